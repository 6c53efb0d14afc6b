// Package phi находит и маскирует персональные медицинские данные в текстовых логах устройств.
package phi

import (
	"regexp"
	"strings"
)

var (
	patientID   = regexp.MustCompile(`\b[Pp]-\d{3,5}\b`)
	genericID   = regexp.MustCompile(`\bID #\d+\b`)
	patientName = regexp.MustCompile(`(Patient )([A-Z][a-z]+ [A-Z][a-z]+)`)
	userName    = regexp.MustCompile(`(User )([a-z]+)`)
	condition   = regexp.MustCompile(`(Condition: )([^\[\s].*)`)
)

// Kind вид найденных данных
type Kind string

const (
	KindPatientID   Kind = "patient_id"
	KindGenericID   Kind = "id_generic"
	KindPatientName Kind = "name_context"
	KindUserName    Kind = "user_context"
	KindCondition   Kind = "condition"
)

type pattern struct {
	kind Kind
	re   *regexp.Regexp
}

var detectors = []pattern{
	{KindPatientID, patientID},
	{KindGenericID, genericID},
	{KindPatientName, patientName},
	{KindUserName, userName},
	{KindCondition, condition},
}

// Detect возвращает виды данных, найденных в тексте, в фиксированном порядке
func Detect(text string) []Kind {
	if text == "" {
		return nil
	}
	var kinds []Kind
	for _, p := range detectors {
		if p.re.MatchString(text) {
			kinds = append(kinds, p.kind)
		}
	}
	return kinds
}

// Contains сообщает, есть ли в тексте персональные данные
func Contains(text string) bool {
	return len(Detect(text)) > 0
}

// Redact маскирует найденные данные. Сначала имена после "Patient",
// затем идентификаторы, затем диагноз до конца строки.
func Redact(text string) string {
	out := patientName.ReplaceAllString(text, "${1}[REDACTED_NAME]")
	out = userName.ReplaceAllString(out, "${1}[REDACTED_USER]")
	out = patientID.ReplaceAllString(out, "[REDACTED_ID]")
	out = genericID.ReplaceAllString(out, "ID #[REDACTED]")
	if strings.Contains(out, "Condition:") {
		out = condition.ReplaceAllString(out, "${1}[REDACTED_MEDICAL]")
	}
	return out
}
