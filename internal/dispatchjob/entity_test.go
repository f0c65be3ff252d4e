package dispatchjob

import "testing"

func TestGroupOrDefault(t *testing.T) {
	j := &DispatchJob{}
	if got := j.GroupOrDefault(); got != DefaultGroup {
		t.Errorf("empty group: got %q", got)
	}
	j.MessageGroup = "tenant-7"
	if got := j.GroupOrDefault(); got != "tenant-7" {
		t.Errorf("explicit group: got %q", got)
	}
}

func TestPoolCodeOrDefault(t *testing.T) {
	j := &DispatchJob{}
	if got := j.PoolCodeOrDefault("DISPATCH-POOL"); got != "DISPATCH-POOL" {
		t.Errorf("fallback pool: got %q", got)
	}
	j.DispatchPoolCode = "PRIORITY"
	if got := j.PoolCodeOrDefault("DISPATCH-POOL"); got != "PRIORITY" {
		t.Errorf("explicit pool: got %q", got)
	}
}

func TestIsTerminal(t *testing.T) {
	cases := map[string]bool{
		StatusPending:    false,
		StatusQueued:     false,
		StatusInProgress: false,
		StatusError:      false,
		StatusCompleted:  true,
		StatusCancelled:  true,
	}
	for status, want := range cases {
		j := &DispatchJob{Status: status}
		if got := j.IsTerminal(); got != want {
			t.Errorf("IsTerminal(%s) = %v, want %v", status, got, want)
		}
	}
}
