package fs

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestChaos_PassesThroughWhenDisarmed(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "data")
	c := NewChaos(NewReal())

	f, err := c.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}

	_ = f.Close()
}

func TestChaos_FailsAfterBudgetExhausted(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "data")
	c := NewChaos(NewReal())
	c.FailAfterWrites(2)

	for i := 0; i < 2; i++ {
		f, err := c.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
		if err != nil {
			t.Fatalf("write %d: unexpected error %v", i, err)
		}

		_ = f.Close()
	}

	if _, err := c.OpenFile(path, os.O_RDWR, 0o600); !errors.Is(err, ErrInjectedFault) {
		t.Fatalf("write 3: want ErrInjectedFault, got %v", err)
	}
}

func TestChaos_ReadOnlyOpensNeverFail(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "data")
	if err := os.WriteFile(path, []byte("x"), 0o600); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	c := NewChaos(NewReal())
	c.FailAfterWrites(0)

	f, err := c.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		t.Fatalf("read-only OpenFile: %v", err)
	}

	_ = f.Close()
}

func TestChaos_DisarmStopsInjection(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "data")
	c := NewChaos(NewReal())
	c.FailAfterWrites(0)
	c.Disarm()

	f, err := c.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		t.Fatalf("OpenFile after Disarm: %v", err)
	}

	_ = f.Close()
}
