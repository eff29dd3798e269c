package wizard

import (
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/wolfman30/dental-evaluation-funnel/internal/auth"
	"github.com/wolfman30/dental-evaluation-funnel/internal/evaluation"
	"github.com/wolfman30/dental-evaluation-funnel/internal/imaging"
)

// MinMotiveLength is counted in characters, not bytes.
const MinMotiveLength = 10

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// QuestionnaireInput is the intake form.
type QuestionnaireInput struct {
	Name              string            `json:"name"`
	Email             string            `json:"email"`
	Phone             string            `json:"phone"`
	NationalID        string            `json:"rut"`
	BirthDate         string            `json:"birth_date"`
	Motive            string            `json:"motive"`
	PainLevel         string            `json:"pain_level"`
	LastVisit         string            `json:"last_visit"`
	MedicalConditions string            `json:"medical_conditions"`
	Extra             map[string]string `json:"extra,omitempty"`
	Images            []ImageUpload     `json:"images,omitempty"`
	UTMSource         string            `json:"utm_source,omitempty"`
	UTMMedium         string            `json:"utm_medium,omitempty"`
	UTMCampaign       string            `json:"utm_campaign,omitempty"`
}

// ImageUpload carries raw bytes; JSON clients send them base64 encoded.
type ImageUpload struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"data"`
}

func (u ImageUpload) image() imaging.Image {
	return imaging.Image{Name: u.Name, ContentType: u.ContentType, Data: u.Data}
}

func (in *QuestionnaireInput) normalize() {
	in.Name = strings.TrimSpace(in.Name)
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	in.Phone = strings.TrimSpace(in.Phone)
	in.NationalID = strings.TrimSpace(in.NationalID)
	in.Motive = strings.TrimSpace(in.Motive)
}

func (in QuestionnaireInput) validate() error {
	verr := &ValidationError{}
	if in.Name == "" {
		verr.add("name", "required")
	}
	if !emailPattern.MatchString(in.Email) {
		verr.add("email", "invalid email")
	}
	if in.Phone == "" {
		verr.add("phone", "required")
	}
	if in.NationalID != "" && !auth.ValidRUT(in.NationalID) {
		verr.add("rut", "invalid national id")
	}
	if err := validateMotive(in.Motive); err != "" {
		verr.add("motive", err)
	}
	if len(in.Images) > evaluation.MaxImages {
		verr.add("images", "at most 5 images")
	}
	return verr.orNil()
}

func validateMotive(motive string) string {
	if utf8.RuneCountInString(strings.TrimSpace(motive)) < MinMotiveLength {
		return "must be at least 10 characters"
	}
	return ""
}

func (in QuestionnaireInput) questionnaire() map[string]string {
	q := make(map[string]string, len(in.Extra)+4)
	for k, v := range in.Extra {
		q[k] = v
	}
	q[evaluation.QuestionMotive] = in.Motive
	if in.PainLevel != "" {
		q[evaluation.QuestionPainLevel] = in.PainLevel
	}
	if in.LastVisit != "" {
		q[evaluation.QuestionLastVisit] = in.LastVisit
	}
	if in.MedicalConditions != "" {
		q[evaluation.QuestionMedicalConditions] = in.MedicalConditions
	}
	return q
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
