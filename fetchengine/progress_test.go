package fetchengine

import "testing"

func TestProgress_PercentUnknownTotal(t *testing.T) {
	p := Progress{BytesTotal: 0, BytesWritten: 50}
	if got := p.Percent(); got != -1 {
		t.Errorf("Percent() = %v, want -1 when total is unknown", got)
	}

	p.BytesTotal = -1
	if got := p.Percent(); got != -1 {
		t.Errorf("Percent() = %v, want -1 for a negative total", got)
	}
}

func TestProgress_PercentComputed(t *testing.T) {
	p := Progress{BytesTotal: 200, BytesWritten: 50}
	if got := p.Percent(); got != 25 {
		t.Errorf("Percent() = %v, want 25", got)
	}
}

func TestProgress_PercentComplete(t *testing.T) {
	p := Progress{BytesTotal: 10, BytesWritten: 10}
	if got := p.Percent(); got != 100 {
		t.Errorf("Percent() = %v, want 100", got)
	}
}
