package keymapping

import "testing"

func TestDataKeyRoundTrip(t *testing.T) {
	cases := []struct {
		schema, typename, identity, field string
	}{
		{"app", "User", "id1", "name"},
		{"app", "User", "id-with:colons", "a:b"},
		{"", "", "", ""},
		{"s", "t", "i", " exists"},
	}

	for _, c := range cases {
		k := DataKey(c.schema, c.typename, c.identity, c.field)
		schema, typename, identity, field, err := ParseDataKey(k)
		if err != nil {
			t.Fatalf("ParseDataKey(%q): %v", k, err)
		}
		if schema != c.schema || typename != c.typename || identity != c.identity || field != c.field {
			t.Errorf("round trip mismatch: got (%q,%q,%q,%q), want (%q,%q,%q,%q)",
				schema, typename, identity, field, c.schema, c.typename, c.identity, c.field)
		}
	}
}

func TestIndexKeyRoundTrip(t *testing.T) {
	k := IndexKey("app", "User", "color", "red_hash")
	schema, typename, field, valueHash, err := ParseIndexKey(k)
	if err != nil {
		t.Fatalf("ParseIndexKey: %v", err)
	}
	if schema != "app" || typename != "User" || field != "color" || valueHash != "red_hash" {
		t.Errorf("got (%q,%q,%q,%q)", schema, typename, field, valueHash)
	}

	schema, typename, err = SchemaTypeOfIndexKey(k)
	if err != nil || schema != "app" || typename != "User" {
		t.Errorf("SchemaTypeOfIndexKey = (%q,%q,%v)", schema, typename, err)
	}
}

func TestIndexGroupRoundTripAndRebuild(t *testing.T) {
	full := IndexKey("app", "User", "color", "red_hash")

	group, hash, err := SplitIndexKeyToGroupAndHash(full)
	if err != nil {
		t.Fatalf("SplitIndexKeyToGroupAndHash: %v", err)
	}
	if hash != "red_hash" {
		t.Errorf("hash = %q, want red_hash", hash)
	}

	rebuilt, err := IndexGroupAndHashToIndexKey(group, hash)
	if err != nil {
		t.Fatalf("IndexGroupAndHashToIndexKey: %v", err)
	}
	if rebuilt != full {
		t.Errorf("rebuilt = %q, want %q", rebuilt, full)
	}
}

func TestReverseIndexKeyRoundTrip(t *testing.T) {
	k := ReverseIndexKey("id1", "color")
	identity, field, err := ParseReverseIndexKey(k)
	if err != nil {
		t.Fatalf("ParseReverseIndexKey: %v", err)
	}
	if identity != "id1" || field != "color" {
		t.Errorf("got (%q,%q)", identity, field)
	}
}

func TestFamiliesNeverCrossParse(t *testing.T) {
	data := DataKey("s", "t", "i", "f")
	index := IndexKey("s", "t", "f", "v")
	group := IndexGroupKey("s", "t", "f")
	reverse := ReverseIndexKey("i", "f")

	if _, _, _, _, err := ParseIndexKey(data); err != ErrWrongFamily {
		t.Errorf("ParseIndexKey(data key) = %v, want ErrWrongFamily", err)
	}
	if _, _, _, _, err := ParseDataKey(index); err != ErrWrongFamily {
		t.Errorf("ParseDataKey(index key) = %v, want ErrWrongFamily", err)
	}
	if _, _, _, err := ParseIndexGroupKey(reverse); err != ErrWrongFamily {
		t.Errorf("ParseIndexGroupKey(reverse key) = %v, want ErrWrongFamily", err)
	}
	if _, _, err := ParseReverseIndexKey(group); err != ErrWrongFamily {
		t.Errorf("ParseReverseIndexKey(group key) = %v, want ErrWrongFamily", err)
	}
}

func TestIndexValueRoundTrip(t *testing.T) {
	values := []any{true, false, "red", 42, int64(42), 3.5}

	for _, v := range values {
		hash, err := EncodeIndexValue(v)
		if err != nil {
			t.Fatalf("EncodeIndexValue(%v): %v", v, err)
		}
		got, err := DecodeIndexValue(hash)
		if err != nil {
			t.Fatalf("DecodeIndexValue(%q): %v", hash, err)
		}

		switch want := v.(type) {
		case int:
			if got.(int64) != int64(want) {
				t.Errorf("got %v, want %v", got, want)
			}
		default:
			if got != v {
				t.Errorf("got %v (%T), want %v (%T)", got, got, v, v)
			}
		}
	}
}

func TestTrueHashMatchesEncodedTrue(t *testing.T) {
	want, _ := EncodeIndexValue(true)
	if TrueHash() != want {
		t.Errorf("TrueHash() = %q, want %q", TrueHash(), want)
	}
}
