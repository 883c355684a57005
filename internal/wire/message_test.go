package wire

import (
	"errors"
	"testing"
)

func TestSignVerify(t *testing.T) {
	m := NewMessage(ExecuteRequest, "s1", map[string]any{"code": "1+1"})
	if err := Sign("secret", &m); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if m.Signature == "" {
		t.Fatal("signature not set")
	}
	if err := Verify("secret", m); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	if err := Verify("other", m); !errors.Is(err, ErrBadSignature) {
		t.Errorf("wrong key: err = %v, want ErrBadSignature", err)
	}

	m.Content["code"] = "rm -rf /"
	if err := Verify("secret", m); !errors.Is(err, ErrBadSignature) {
		t.Errorf("tampered content: err = %v, want ErrBadSignature", err)
	}
}

func TestReplyCarriesParent(t *testing.T) {
	req := NewMessage(ExecuteRequest, "s1", nil)
	rep := req.Reply(ExecuteReply, map[string]any{"status": StatusOK})
	if !rep.IsReplyTo(req.Header.MsgID) {
		t.Error("reply should reference request id")
	}
	if rep.Header.Session != "s1" {
		t.Errorf("session = %q, want s1", rep.Header.Session)
	}
	if rep.Status() != StatusOK {
		t.Errorf("status = %q, want ok", rep.Status())
	}
	if rep.Header.MsgID == req.Header.MsgID {
		t.Error("reply must have its own id")
	}
}

func TestConnectionValidate(t *testing.T) {
	c := Connection{IP: "127.0.0.1", Key: "k", Ports: map[Channel]int{Shell: 1, IOPub: 2}}
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for missing hb port")
	}
	c.Ports[Heartbeat] = 3
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	clone := c.Clone()
	clone.Ports[Shell] = 99
	if c.Ports[Shell] != 1 {
		t.Error("Clone shares the ports map")
	}
	if got := c.Addr(IOPub); got != "127.0.0.1:2" {
		t.Errorf("Addr = %q", got)
	}
}
