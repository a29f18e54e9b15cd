package keystore

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/callzhang/hypo/internal/entry"
)

func TestStoreLoadCaseFolded(t *testing.T) {
	dir := t.TempDir()
	st, err := Open(filepath.Join(dir, "keys.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()

	key := bytes.Repeat([]byte{0x09}, 32)
	if err := st.Store(entry.DeviceId("ABCD-1234"), key); err != nil {
		t.Fatalf("store: %v", err)
	}
	got, err := st.Load(entry.DeviceId("abcd-1234"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !bytes.Equal(got, key) {
		t.Fatalf("key mismatch")
	}
	if !st.Has(entry.DeviceId("AbCd-1234")) {
		t.Fatalf("expected Has to be case-insensitive")
	}
}

func TestLoadMissingKeyError(t *testing.T) {
	dir := t.TempDir()
	st, err := Open(filepath.Join(dir, "keys.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()

	_, err = st.Load(entry.DeviceId("nobody"))
	if err == nil {
		t.Fatalf("expected missing key error")
	}
	if _, ok := err.(*MissingKeyError); !ok {
		t.Fatalf("expected *MissingKeyError, got %T", err)
	}
}

func TestDeleteAndList(t *testing.T) {
	dir := t.TempDir()
	st, err := Open(filepath.Join(dir, "keys.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()

	key := bytes.Repeat([]byte{1}, 32)
	st.Store(entry.DeviceId("dev-a"), key)
	st.Store(entry.DeviceId("dev-b"), key)

	ids, err := st.List()
	if err != nil || len(ids) != 2 {
		t.Fatalf("expected 2 ids, got %v err=%v", ids, err)
	}
	if err := st.Delete(entry.DeviceId("dev-a")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if st.Has(entry.DeviceId("dev-a")) {
		t.Fatalf("expected dev-a to be gone")
	}
}
