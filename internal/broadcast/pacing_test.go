package broadcast

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestRandomPacerDefaultsStayInRange(t *testing.T) {
	p := NewRandomPacer(Config{})
	for i := 0; i < 1000; i++ {
		if d := p.Pace(); d < 5*time.Second || d > 10*time.Second {
			t.Fatalf("pace %s outside [5s,10s]", d)
		}
		if d := p.CycleGap(); d < 70*time.Second || d > 80*time.Second {
			t.Fatalf("cycle gap %s outside [70s,80s]", d)
		}
	}
}

func TestConfigDefaultsRepairInvertedRanges(t *testing.T) {
	c := Config{PaceMin: 3 * time.Second, PaceMax: time.Second, MaxRateLimitWait: -1}.withDefaults()
	if c.PaceMax != c.PaceMin {
		t.Fatalf("pace range = [%s,%s]", c.PaceMin, c.PaceMax)
	}
	if c.MaxRateLimitWait != 0 {
		t.Fatalf("negative cap not cleared: %s", c.MaxRateLimitWait)
	}
	if c.SendTimeout != DefaultSendTimeout || c.CycleBase != DefaultCycleBase {
		t.Fatalf("defaults not applied: %+v", c)
	}
}

func TestRealClockSleepCancels(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := RealClock().Sleep(ctx, time.Hour); err == nil {
		t.Fatalf("expected cancellation error")
	}
	if err := RealClock().Sleep(context.Background(), 0); err != nil {
		t.Fatalf("zero sleep: %v", err)
	}
}

func TestRunStateMarshalsAsName(t *testing.T) {
	b, err := json.Marshal(Status{AccountID: 1, State: StateBackoff})
	if err != nil {
		t.Fatal(err)
	}
	want := `"state":"backoff"`
	if !strings.Contains(string(b), want) {
		t.Fatalf("json = %s, want %s", b, want)
	}
}
