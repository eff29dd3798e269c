package templates

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"time"
)

const (
	otpText = "🔐 Tu código de verificación {{.Clinic}} es: {{.Code}}\n\n" +
		"Este código expira en {{.Minutes}} minutos.\n\n" +
		"Si no solicitaste este código, ignora este mensaje."

	paymentApprovedText = "¡Hola {{.Name}}! 🎉\n\n" +
		"Tu pago de la Evaluación Premium Miró ha sido confirmado.\n\n" +
		"El siguiente paso es agendar tu cita. Te enviaremos un enlace para seleccionar el horario que más te acomode.\n\n" +
		"{{.Clinic}}"

	appointmentConfirmedText = "¡Cita confirmada! 📅\n\n" +
		"Hola {{.Name}},\n\n" +
		"Tu Evaluación Premium Miró está agendada para:\n\n" +
		"📆 {{.Date}}\n🕐 {{.Time}}\n📍 {{.Clinic}}\n\n" +
		"Recuerda traer:\n• Documento de identidad\n• Radiografías previas (si las tienes)\n\n" +
		"¿Necesitas reagendar? Responde este mensaje.\n\n" +
		"{{.Clinic}}"
)

// ClinicName signs every message.
const ClinicName = "Clínica Miró"

// messages is parsed once; a missing key is an error rather than "<no value>".
var messages = template.Must(template.New("messages").Option("missingkey=error").Parse(
	`{{define "otp"}}` + otpText + `{{end}}` +
		`{{define "payment_approved"}}` + paymentApprovedText + `{{end}}` +
		`{{define "appointment_confirmed"}}` + appointmentConfirmedText + `{{end}}`))

// Catalog renders the transactional messages sent to patients.
type Catalog struct{}

func (Catalog) render(name string, data map[string]any) (string, error) {
	var buf bytes.Buffer
	if err := messages.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("templates: render %s: %w", name, err)
	}
	return buf.String(), nil
}

func (c Catalog) OTP(code string, ttl time.Duration) (string, error) {
	minutes := int(ttl / time.Minute)
	if minutes <= 0 {
		minutes = 10
	}
	return c.render("otp", map[string]any{
		"Clinic":  ClinicName,
		"Code":    code,
		"Minutes": minutes,
	})
}

func (c Catalog) PaymentApproved(name string) (string, error) {
	return c.render("payment_approved", map[string]any{
		"Clinic": ClinicName,
		"Name":   firstName(name),
	})
}

// AppointmentConfirmed formats at in the caller's location.
func (c Catalog) AppointmentConfirmed(name string, at time.Time) (string, error) {
	return c.render("appointment_confirmed", map[string]any{
		"Clinic": ClinicName,
		"Name":   firstName(name),
		"Date":   LongDate(at),
		"Time":   at.Format("15:04"),
	})
}

var (
	weekdays = [...]string{"domingo", "lunes", "martes", "miércoles", "jueves", "viernes", "sábado"}
	months   = [...]string{"enero", "febrero", "marzo", "abril", "mayo", "junio", "julio", "agosto", "septiembre", "octubre", "noviembre", "diciembre"}
)

// LongDate renders "martes, 5 de marzo de 2030".
func LongDate(t time.Time) string {
	return fmt.Sprintf("%s, %d de %s de %d", weekdays[t.Weekday()], t.Day(), months[t.Month()-1], t.Year())
}

func firstName(full string) string {
	parts := strings.Fields(full)
	if len(parts) == 0 {
		return "paciente"
	}
	return parts[0]
}
