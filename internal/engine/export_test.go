package engine

// SetAfterCreateCommit installs a hook that runs once a create has
// committed and before its mission lock is taken.
func SetAfterCreateCommit(e *Engine, fn func(id int64)) { e.afterCreateCommit = fn }
