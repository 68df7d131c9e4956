package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSanitizePassesAllowedCharsUnchanged(t *testing.T) {
	in := "qubes.Filecopy$1.2-3_4 5"
	require.Equal(t, in, Sanitize(in))
}

func TestSanitizeReplacesDisallowedChars(t *testing.T) {
	require.Equal(t, "a_b_c", Sanitize("a;b|c"))
	require.Equal(t, "_rm -rf_", Sanitize("`rm -rf`"))
}

func TestSanitizeEmptyString(t *testing.T) {
	require.Equal(t, "", Sanitize(""))
}

func TestTriggerRecordRoundTrip(t *testing.T) {
	rec := TriggerRecord{Service: "qubes.Filecopy", TargetVM: "work", Ident: "3 4 5"}
	buf := rec.MarshalBinary()
	require.Len(t, buf, TriggerRecordSize)

	got, err := UnmarshalTriggerRecord(buf)
	require.NoError(t, err)
	require.Equal(t, rec, got)
}

func TestTriggerRecordSanitizesEachField(t *testing.T) {
	rec := TriggerRecord{Service: "foo;rm -rf /", TargetVM: "vm1", Ident: "0 1 2"}
	want := TriggerRecord{Service: "foo_rm_-rf__", TargetVM: "vm1", Ident: "0 1 2"}
	require.Equal(t, want, rec.Sanitized())
}

func TestUnmarshalTriggerRecordTooShort(t *testing.T) {
	_, err := UnmarshalTriggerRecord(make([]byte, TriggerRecordSize-1))
	require.Error(t, err)
}
