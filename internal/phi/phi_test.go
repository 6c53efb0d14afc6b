package phi

import (
	"reflect"
	"testing"
)

func TestDetect(t *testing.T) {
	tests := []struct {
		text string
		want []Kind
	}{
		{"Patient P-123 stable.", []Kind{KindPatientID}},
		{"TEST: Patient John Doe (ID P-999) transfer request.", []Kind{KindPatientID, KindPatientName}},
		{"Record ID #563811 opened", []Kind{KindGenericID}},
		{"User admin logged in", []Kind{KindUserName}},
		{"Condition: type 2 diabetes", []Kind{KindCondition}},
		{"Vitals Monitor: HR=75 SPO2=98 SYS_BP=120", nil},
		{"System scan complete. No threats.", nil},
		{"", nil},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got := Detect(tt.text)
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("Detect = %v, want %v", got, tt.want)
			}
			if Contains(tt.text) != (len(tt.want) > 0) {
				t.Fatalf("Contains disagrees with Detect")
			}
		})
	}
}

func TestRedact(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Patient P-123 stable.", "Patient [REDACTED_ID] stable."},
		{"TEST: Patient John Doe (ID P-999) transfer request.", "TEST: Patient [REDACTED_NAME] (ID [REDACTED_ID]) transfer request."},
		{"Record ID #563811 opened", "Record ID #[REDACTED] opened"},
		{"User admin logged in", "User [REDACTED_USER] logged in"},
		{"Admitted. Condition: arrhythmia, stage 2", "Admitted. Condition: [REDACTED_MEDICAL]"},
		{"System Error on port 22", "System Error on port 22"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := Redact(tt.in); got != tt.want {
				t.Fatalf("Redact = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRedactedTextIsClean(t *testing.T) {
	for _, text := range []string{
		"Patient Jane Roe P-4411 ID #12 Condition: sepsis",
		"User root ran P-12345",
	} {
		if kinds := Detect(Redact(text)); len(kinds) != 0 {
			t.Fatalf("redacted %q still matches %v", text, kinds)
		}
	}
}
