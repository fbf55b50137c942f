package addr

import "testing"

func TestNormalize(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		group   bool
		anon    bool
		wantErr bool
	}{
		{in: "4912345@s.whatsapp.net", want: "4912345@s.whatsapp.net"},
		{in: "4912345", want: "4912345@s.whatsapp.net"},
		{in: "+49 123 45", want: "4912345@s.whatsapp.net"},
		{in: "whatsapp:4912345@s.whatsapp.net", want: "4912345@s.whatsapp.net"},
		{in: "4912345.0:1@s.whatsapp.net", want: "4912345@s.whatsapp.net"},
		{in: "1234567890-1600000000@g.us", want: "1234567890-1600000000@g.us", group: true},
		{in: "987654321@lid", want: "987654321@lid", anon: true},
		{in: "987654321@hosted.lid", want: "987654321@hosted.lid", anon: true},
		// Unknown suffixes fold into the direct family.
		{in: "4912345@c.us", want: "4912345@s.whatsapp.net"},
		{in: "", wantErr: true},
		{in: "abc@s.whatsapp.net", wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			a, err := Normalize(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("Normalize(%q) = %v, want error", tc.in, a)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if a.String() != tc.want {
				t.Errorf("got %q, want %q", a.String(), tc.want)
			}
			if a.IsGroup() != tc.group {
				t.Errorf("IsGroup = %v, want %v", a.IsGroup(), tc.group)
			}
			if a.IsAnonymized() != tc.anon {
				t.Errorf("IsAnonymized = %v, want %v", a.IsAnonymized(), tc.anon)
			}
		})
	}
}

func TestDigitsSuffixInsensitive(t *testing.T) {
	a, err := Normalize("4912345@s.whatsapp.net")
	if err != nil {
		t.Fatal(err)
	}
	b, err := Normalize("4912345@lid")
	if err != nil {
		t.Fatal(err)
	}
	if a.Digits() != b.Digits() {
		t.Errorf("digits differ: %q vs %q", a.Digits(), b.Digits())
	}
}

func TestLIDMapResolve(t *testing.T) {
	m := NewLIDMap()
	lid := Address{User: "111222333", Server: ServerLID}
	pn := Address{User: "4912345", Server: ServerUser}

	// Unresolved ids pass through unchanged.
	if got := m.Resolve(lid); got != lid {
		t.Errorf("unlearned resolve = %v, want pass-through", got)
	}

	m.Learn(lid.User, pn)
	if got := m.Resolve(lid); got != pn {
		t.Errorf("resolve = %v, want %v", got, pn)
	}

	// Non-anonymized addresses are never remapped.
	if got := m.Resolve(pn); got != pn {
		t.Errorf("direct address remapped to %v", got)
	}
}

func TestLIDMapNeverLearnsAnonymizedTarget(t *testing.T) {
	m := NewLIDMap()
	m.Learn("111", Address{User: "222", Server: ServerLID})
	if m.Len() != 0 {
		t.Error("learned an anonymized target")
	}
}
