package symbolcache

import "testing"

func TestNormalizeProvider(t *testing.T) {
	if got := normalizeProvider("Bloomberg"); got != "bloomberg" {
		t.Errorf("normalizeProvider(%q) = %q", "Bloomberg", got)
	}
}

func TestKeyShapes(t *testing.T) {
	if got, want := rulesKey("Bloomberg"), "rules:bloomberg"; got != want {
		t.Errorf("rulesKey = %q, want %q", got, want)
	}
	if got, want := symbolKey("Bloomberg", ToStandard, "AAPL US Equity"), "symbol:bloomberg:TO_STANDARD:AAPL US Equity"; got != want {
		t.Errorf("symbolKey = %q, want %q", got, want)
	}
}

func TestBatchKeyOrderIndependent(t *testing.T) {
	a := batchKey("bloomberg", ToStandard, []string{"AAPL", "MSFT", "GOOG"})
	b := batchKey("bloomberg", ToStandard, []string{"GOOG", "AAPL", "MSFT"})
	if a != b {
		t.Errorf("batchKey should be order-independent: %q != %q", a, b)
	}
}

func TestPendingKeyMatchesBatchKeyHash(t *testing.T) {
	symbols := []string{"AAPL", "MSFT"}
	bKey := batchKey("bloomberg", ToStandard, symbols)
	pKey := pendingKey("bloomberg", ToStandard, symbols)
	if sortedHash(symbols) == "" {
		t.Fatal("sortedHash should not be empty")
	}
	if bKey[len("batch:"):] != pKey[len("pending:"):] {
		t.Errorf("batch and pending keys should share the same provider/direction/hash suffix: %q vs %q", bKey, pKey)
	}
}
