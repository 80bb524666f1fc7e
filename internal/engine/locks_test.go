package engine

import (
	"sync"
	"testing"
)

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	k := newKeyedMutex()
	var (
		wg      sync.WaitGroup
		counter int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock(42)
			v := counter
			counter = v + 1
			unlock()
		}()
	}
	wg.Wait()
	if counter != 50 {
		t.Fatalf("expected 50 got %d", counter)
	}
	if k.size() != 0 {
		t.Fatalf("expected entries released, got %d", k.size())
	}
}

func TestKeyedMutexIndependentKeys(t *testing.T) {
	k := newKeyedMutex()
	unlockA := k.Lock(1)
	done := make(chan struct{})
	go func() {
		unlockB := k.Lock(2)
		unlockB()
		close(done)
	}()
	<-done
	unlockA()
}

func TestParseStatusAliases(t *testing.T) {
	cases := map[string]string{"brouillon": "draft", "envoyee": "sent", "pec": "pec", "terminee": "completed"}
	for in, want := range cases {
		got, err := ParseStatus(in)
		if err != nil || string(got) != want {
			t.Fatalf("%s: expected %s got %s (%v)", in, want, got, err)
		}
	}
	if _, err := ParseStatus("cancelled"); err == nil {
		t.Fatalf("expected unknown status rejected")
	}
}
