package driver

import (
	"reflect"
	"testing"
	"time"
)

func TestEvaluate(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(24 * time.Hour)
	superseded := now.Add(-time.Minute)

	cases := []struct {
		name    string
		docs    []Document
		ready   bool
		missing []DocType
	}{
		{"none", nil, false, []DocType{DocLicense, DocInsurance, DocRegistration}},
		{
			"complete",
			[]Document{{Type: DocRegistration}, {Type: DocLicense, ExpiresAt: &future}, {Type: DocInsurance}},
			true, nil,
		},
		{
			"expired counts as missing",
			[]Document{{Type: DocLicense, ExpiresAt: &past}, {Type: DocInsurance}, {Type: DocRegistration}},
			false, []DocType{DocLicense},
		},
		{
			"expiry equal to now is expired",
			[]Document{{Type: DocLicense, ExpiresAt: &now}, {Type: DocInsurance}, {Type: DocRegistration}},
			false, []DocType{DocLicense},
		},
		{
			"superseded ignored",
			[]Document{{Type: DocLicense, SupersededAt: &superseded}, {Type: DocInsurance}, {Type: DocRegistration}},
			false, []DocType{DocLicense},
		},
		{
			"other never required",
			[]Document{{Type: DocOther}, {Type: DocInsurance}},
			false, []DocType{DocLicense, DocRegistration},
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			r := Evaluate(c.docs, now)
			if r.Ready != c.ready {
				t.Fatalf("ready = %v, want %v", r.Ready, c.ready)
			}
			if !reflect.DeepEqual(r.Missing, c.missing) {
				t.Fatalf("missing = %v, want %v", r.Missing, c.missing)
			}
		})
	}
}
