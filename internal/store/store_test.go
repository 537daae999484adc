package store

import "testing"

func TestDecodeAuditDetails(t *testing.T) {
	details, err := decodeAuditDetails([]byte(`{"reason":"ENGINE_DISABLED","engine_id":"ratio"}`))
	if err != nil {
		t.Fatalf("decode err: %v", err)
	}
	if details["engine_id"] != "ratio" {
		t.Fatalf("expected engine_id carried through, got %v", details)
	}
}

func TestDecodeAuditDetailsEmptyColumn(t *testing.T) {
	details, err := decodeAuditDetails(nil)
	if err != nil || details != nil {
		t.Fatalf("empty column must decode to no details, got %v, %v", details, err)
	}
}

func TestDecodeAuditDetailsCorruptRow(t *testing.T) {
	if _, err := decodeAuditDetails([]byte(`{"reason":`)); err == nil {
		t.Fatalf("corrupt details must surface an error")
	}
}
