package core

import (
	"encoding/json"
	"testing"
)

func TestTier_TextRoundTrip(t *testing.T) {
	for _, tier := range []Tier{TierNew, TierEstablished, TierTrusted} {
		data, err := json.Marshal(struct{ T Tier }{tier})
		if err != nil {
			t.Fatalf("Marshal() error = %v", err)
		}
		var out struct{ T Tier }
		if err := json.Unmarshal(data, &out); err != nil {
			t.Fatalf("Unmarshal(%s) error = %v", data, err)
		}
		if out.T != tier {
			t.Errorf("round trip %s -> %s", tier, out.T)
		}
	}
}

func TestParseTier(t *testing.T) {
	if tier, err := ParseTier(" trusted "); err != nil || tier != TierTrusted {
		t.Errorf("ParseTier(trusted) = %v, %v", tier, err)
	}
	if _, err := ParseTier("legendary"); err == nil {
		t.Error("ParseTier(legendary) should fail")
	}
}

func TestReason_Valid(t *testing.T) {
	if !ReasonTierPromotion.Valid() {
		t.Error("TIER_PROMOTION should be valid")
	}
	if Reason("BRIBE").Valid() {
		t.Error("unknown reason should be invalid")
	}
}

func TestTierChange_Promotion(t *testing.T) {
	if !(TierChange{Previous: TierNew, New: TierEstablished}).Promotion() {
		t.Error("NEW -> ESTABLISHED is a promotion")
	}
	if (TierChange{Previous: TierTrusted, New: TierEstablished}).Promotion() {
		t.Error("TRUSTED -> ESTABLISHED is a demotion")
	}
}
