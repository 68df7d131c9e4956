package protocol

import (
	"bytes"
	"fmt"
	"strings"
)

// Fixed field widths for the trigger record a local tool writes to the
// agent's trigger pipe (spec §6): {service[64], target_vm[32], ident[32]},
// all NUL-padded.
const (
	TriggerServiceLen = 64
	TriggerTargetLen  = 32
	TriggerIdentLen   = 32

	TriggerRecordSize = TriggerServiceLen + TriggerTargetLen + TriggerIdentLen
)

// TriggerRecord is the payload carried by a TRIGGER_CONNECT_EXISTING
// request, both on the agent's local trigger pipe and, once wrapped in a
// TransportHeader, on the daemon<->agent transport (spec §4.2, §6).
type TriggerRecord struct {
	// Service names the RPC service being requested, e.g. "qubes.Filecopy".
	Service string
	// TargetVM names which domain the policy evaluator should resolve
	// the request against.
	TargetVM string
	// Ident is the fd-pass identifier set ("id1 id2 id3") naming the
	// file descriptors already registered over the fd-pass socket that
	// back this reattachment.
	Ident string
}

// MarshalBinary encodes r as three fixed-size, NUL-padded fields. Fields
// longer than their width are truncated, matching the original's
// strncpy-into-fixed-buffer behavior.
func (r TriggerRecord) MarshalBinary() []byte {
	buf := make([]byte, TriggerRecordSize)
	putField(buf[0:TriggerServiceLen], r.Service)
	putField(buf[TriggerServiceLen:TriggerServiceLen+TriggerTargetLen], r.TargetVM)
	putField(buf[TriggerServiceLen+TriggerTargetLen:], r.Ident)
	return buf
}

func putField(dst []byte, s string) {
	n := copy(dst, s)
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
}

// UnmarshalTriggerRecord decodes a TriggerRecord from buf, stopping each
// field at its first NUL byte.
func UnmarshalTriggerRecord(buf []byte) (TriggerRecord, error) {
	if len(buf) < TriggerRecordSize {
		return TriggerRecord{}, fmt.Errorf("protocol: trigger record needs %d bytes, got %d", TriggerRecordSize, len(buf))
	}
	return TriggerRecord{
		Service:  cstr(buf[0:TriggerServiceLen]),
		TargetVM: cstr(buf[TriggerServiceLen : TriggerServiceLen+TriggerTargetLen]),
		Ident:    cstr(buf[TriggerServiceLen+TriggerTargetLen:]),
	}, nil
}

func cstr(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// Sanitized returns a copy of r with every field passed through Sanitize,
// matching qrexec_daemon.c's sanitize_name applied to each trigger field
// before it is ever interpolated into a policy helper's argv. Service also
// has its spaces replaced with '_'; Ident keeps them, since it carries the
// space-separated fd-pass triple.
func (r TriggerRecord) Sanitized() TriggerRecord {
	return TriggerRecord{
		Service:  strings.ReplaceAll(Sanitize(r.Service), " ", "_"),
		TargetVM: Sanitize(r.TargetVM),
		Ident:    Sanitize(r.Ident),
	}
}

// sanitizeAlphabet lists the bytes Sanitize passes through verbatim;
// everything else is replaced with '_'. Mirrors the daemon's sanitize_name.
// Space is in the alphabet for idents; Sanitized removes it from service
// names.
const sanitizeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789$_.- "

var sanitizeSet [256]bool

func init() {
	for i := 0; i < len(sanitizeAlphabet); i++ {
		sanitizeSet[sanitizeAlphabet[i]] = true
	}
}

// Sanitize replaces every byte of s not in the allowed alphabet with '_',
// returning a new string. Used before trigger fields are passed to the
// policy helper as arguments.
func Sanitize(s string) string {
	out := []byte(s)
	changed := false
	for i, b := range out {
		if !sanitizeSet[b] {
			out[i] = '_'
			changed = true
		}
	}
	if !changed {
		return s
	}
	return string(out)
}
