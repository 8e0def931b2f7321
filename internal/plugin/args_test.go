package plugin

import "testing"

func TestParseArgsTable(t *testing.T) {
	cases := []struct {
		name          string
		in            string
		wantPositional string
		wantHasPos    bool
		wantOptions   []KV
		wantErr       bool
	}{
		{
			name:       "bare positional",
			in:         "foo",
			wantPositional: "foo",
			wantHasPos: true,
		},
		{
			name:       "positional plus option",
			in:         "foo,key=val",
			wantPositional: "foo",
			wantHasPos: true,
			wantOptions: []KV{{Key: "key", Value: "val"}},
		},
		{
			name:        "options only",
			in:          "a=1,b=2",
			wantOptions: []KV{{Key: "a", Value: "1"}, {Key: "b", Value: "2"}},
		},
		{
			name:        "quoted value hides comma",
			in:          `key="a,b"`,
			wantOptions: []KV{{Key: "key", Value: "a,b"}},
		},
		{
			name:        "single-quoted value hides equals",
			in:          `key='a=b'`,
			wantOptions: []KV{{Key: "key", Value: "a=b"}},
		},
		{
			name:        "escaped quote inside quoted region",
			in:          `key="va\"l"`,
			wantOptions: []KV{{Key: "key", Value: `va"l`}},
		},
		{
			name:        "value containing literal equals reconstructed",
			in:          "k=a=b",
			wantOptions: []KV{{Key: "k", Value: "a=b"}},
		},
		{
			name:    "unterminated quote errors",
			in:      `key="unterminated`,
			wantErr: true,
		},
		{
			name:    "option with no equals sign errors",
			in:      "foo,bar",
			wantErr: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseArgs(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("ParseArgs(%q): expected error, got none", tc.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseArgs(%q): %v", tc.in, err)
			}
			if got.Positional != tc.wantPositional || got.HasPositional != tc.wantHasPos {
				t.Fatalf("ParseArgs(%q) positional = (%q,%v), want (%q,%v)",
					tc.in, got.Positional, got.HasPositional, tc.wantPositional, tc.wantHasPos)
			}
			if len(got.Options) != len(tc.wantOptions) {
				t.Fatalf("ParseArgs(%q) options = %v, want %v", tc.in, got.Options, tc.wantOptions)
			}
			for i, kv := range got.Options {
				if kv != tc.wantOptions[i] {
					t.Fatalf("ParseArgs(%q) option[%d] = %v, want %v", tc.in, i, kv, tc.wantOptions[i])
				}
			}
		})
	}
}

func TestArgsGetReturnsLastMatch(t *testing.T) {
	a := Args{Options: []KV{{Key: "x", Value: "1"}, {Key: "x", Value: "2"}}}
	v, ok := a.Get("x")
	if !ok || v != "2" {
		t.Fatalf("Get(x) = (%q,%v), want (2,true)", v, ok)
	}
	if _, ok := a.Get("missing"); ok {
		t.Fatalf("Get(missing) = ok, want not found")
	}
}

func TestParseArgsEmptyString(t *testing.T) {
	got, err := ParseArgs("")
	if err != nil {
		t.Fatalf("ParseArgs(\"\"): %v", err)
	}
	if got.HasPositional || len(got.Options) != 0 {
		t.Fatalf("ParseArgs(\"\") = %+v, want zero value", got)
	}
}
