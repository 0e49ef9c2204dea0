// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"errors"
	"testing"
)

type testRecord struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(InMemoryConfig())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestPutGetRoundTrip(t *testing.T) {
	st := newTestStore(t)

	in := testRecord{Name: "killswitch", Count: 3}
	if err := st.PutRecord("test/record", in); err != nil {
		t.Fatalf("put: %v", err)
	}

	var out testRecord
	if err := st.GetRecord("test/record", &out); err != nil {
		t.Fatalf("get: %v", err)
	}
	if out != in {
		t.Errorf("round trip = %+v, want %+v", out, in)
	}

	// Overwrite wins.
	in.Count = 7
	if err := st.PutRecord("test/record", in); err != nil {
		t.Fatal(err)
	}
	if err := st.GetRecord("test/record", &out); err != nil {
		t.Fatal(err)
	}
	if out.Count != 7 {
		t.Errorf("count after overwrite = %d, want 7", out.Count)
	}
}

func TestGetMissingRecord(t *testing.T) {
	st := newTestStore(t)

	var out testRecord
	if err := st.GetRecord("never/written", &out); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestCorruptRecord(t *testing.T) {
	st := newTestStore(t)

	if err := st.PutRecord("test/corrupt", "just a string"); err != nil {
		t.Fatal(err)
	}
	var out testRecord
	if err := st.GetRecord("test/corrupt", &out); !errors.Is(err, ErrCorruptRecord) {
		t.Errorf("err = %v, want ErrCorruptRecord", err)
	}
}

func TestDeleteRecord(t *testing.T) {
	st := newTestStore(t)

	if err := st.PutRecord("test/doomed", testRecord{Name: "x"}); err != nil {
		t.Fatal(err)
	}
	if err := st.DeleteRecord("test/doomed"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	var out testRecord
	if err := st.GetRecord("test/doomed", &out); !errors.Is(err, ErrNotFound) {
		t.Errorf("err after delete = %v, want ErrNotFound", err)
	}

	// Deleting a missing key is fine.
	if err := st.DeleteRecord("test/doomed"); err != nil {
		t.Errorf("double delete: %v", err)
	}
}

func TestListPrefix(t *testing.T) {
	st := newTestStore(t)

	records := map[string]testRecord{
		"episodes/1": {Name: "a"},
		"episodes/2": {Name: "b"},
		"other/1":    {Name: "c"},
	}
	for key, rec := range records {
		if err := st.PutRecord(key, rec); err != nil {
			t.Fatal(err)
		}
	}

	got, err := st.ListPrefix("episodes/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("list len = %d, want 2: %v", len(got), got)
	}
	if _, ok := got["other/1"]; ok {
		t.Error("prefix list leaked unrelated key")
	}
}

func TestClosedStore(t *testing.T) {
	st, err := Open(InMemoryConfig())
	if err != nil {
		t.Fatal(err)
	}
	st.Close()

	if err := st.PutRecord("k", 1); !errors.Is(err, ErrClosed) {
		t.Errorf("put after close = %v, want ErrClosed", err)
	}
	var out int
	if err := st.GetRecord("k", &out); !errors.Is(err, ErrClosed) {
		t.Errorf("get after close = %v, want ErrClosed", err)
	}
}
