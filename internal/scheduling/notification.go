package scheduling

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"text/template"
	"time"

	"github.com/medrex/appointment-service/pkg/config"
	"github.com/medrex/appointment-service/pkg/interfaces"
	"github.com/medrex/appointment-service/pkg/logger"
	"github.com/medrex/appointment-service/pkg/monitoring"
	"github.com/medrex/appointment-service/pkg/types"
)

const (
	notificationDateLayout = "02 Jan 2006"
	notificationTimeLayout = "03:04 PM"
)

// ClinicInfo is the sender identity printed in every email
type ClinicInfo struct {
	Name  string
	Phone string
	Email string
}

type emailTemplate struct {
	subject string
	body    *template.Template
}

const contactFooter = `
Warm Regards,
{{.Clinic.Name}} Team
{{- if .Clinic.Phone}}
Phone: {{.Clinic.Phone}}{{end}}
{{- if .Clinic.Email}}
Email: {{.Clinic.Email}}{{end}}
`

var emailTemplates = map[types.NotificationKind]emailTemplate{
	types.NotificationBooked: {
		subject: "Appointment Booking Acknowledgement",
		body: template.Must(template.New("booked").Parse(`Dear {{.PatientName}},

Thank you for booking an appointment with {{.DoctorName}}.
We have received your appointment request.

APPOINTMENT REQUEST DETAILS
Date: {{.Date}}
Time: {{.Time}}
Doctor: {{.DoctorName}}
Location: {{.Clinic.Name}}

IMPORTANT NOTES:
- This is NOT a confirmation. You will receive a separate email once the doctor confirms the appointment.
- You will be notified if your appointment is rescheduled or cancelled.
` + contactFooter)),
	},
	types.NotificationConfirmed: {
		subject: "Appointment Confirmation",
		body: template.Must(template.New("confirmed").Parse(`Dear {{.PatientName}},

This is to confirm your upcoming appointment.

CONFIRMED APPOINTMENT DETAILS
Date: {{.Date}}
Time: {{.Time}}
Doctor: {{.DoctorName}}
Location: {{.Clinic.Name}}

Please arrive at least 15 minutes early for registration and bring any relevant medical records or test reports.
If you need to reschedule or cancel, please contact us at least 24 hours in advance.
` + contactFooter)),
	},
	types.NotificationCancelled: {
		subject: "Appointment Cancellation Notice",
		body: template.Must(template.New("cancelled").Parse(`Dear {{.PatientName}},

We regret to inform you that your appointment with {{.DoctorName}}, scheduled for {{.Date}} at {{.Time}}, has been cancelled.

CANCELLATION REASON: {{if .Reason}}{{.Reason}}{{else}}not specified{{end}}

We apologize for any inconvenience. Please contact us to choose a new date and time.
` + contactFooter)),
	},
	types.NotificationRescheduled: {
		subject: "Appointment Rescheduled",
		body: template.Must(template.New("rescheduled").Parse(`Dear {{.PatientName}},

Your appointment with {{.DoctorName}} has been rescheduled.

UPDATED APPOINTMENT DETAILS
Date: {{.Date}}
Time: {{.Time}}
Doctor: {{.DoctorName}}
Location: {{.Clinic.Name}}

Please arrive at least 15 minutes early for registration.
` + contactFooter)),
	},
	types.NotificationRevisit: {
		subject: "Follow-up Appointment Scheduled",
		body: template.Must(template.New("revisit").Parse(`Dear {{.PatientName}},

A follow-up appointment has been scheduled for you with {{.DoctorName}} based on your previous consultation.

FOLLOW-UP APPOINTMENT DETAILS
Date: {{.Date}}
Time: {{.Time}}
Doctor: {{.DoctorName}}
Location: {{.Clinic.Name}}
Purpose: {{.Reason}}

PLEASE BRING:
- Test reports or medical documents from your previous visit
- The medications you are currently taking
- A list of any new symptoms or concerns
- Your previous prescription, if any

Please arrive at least 15 minutes early for registration.
` + contactFooter)),
	},
	types.NotificationCompleted: {
		subject: "Appointment Completed",
		body: template.Must(template.New("completed").Parse(`Dear {{.PatientName}},

We hope your appointment with {{.DoctorName}} on {{.Date}} was helpful.
It has been marked as completed. Next steps:
- Follow the instructions provided by your doctor
- Book a follow-up appointment if one was recommended
- Contact us if you have any questions
` + contactFooter)),
	},
}

// RenderNotification builds the subject and plain-text body of a notification
func RenderNotification(n types.Notification, clinic ClinicInfo) (string, string, error) {
	tpl, ok := emailTemplates[n.Kind]
	if !ok {
		return "", "", fmt.Errorf("unknown notification kind: %q", n.Kind)
	}

	var body bytes.Buffer
	data := struct {
		types.Notification
		Clinic ClinicInfo
	}{n, clinic}
	if err := tpl.body.Execute(&body, data); err != nil {
		return "", "", fmt.Errorf("failed to render %s email: %w", n.Kind, err)
	}

	subject := tpl.subject
	if clinic.Name != "" {
		subject = fmt.Sprintf("%s - %s", tpl.subject, clinic.Name)
	}
	return subject, body.String(), nil
}

// NewNotification fills a notification from an appointment snapshot
func NewNotification(kind types.NotificationKind, apt *types.Appointment, loc *time.Location, reason string) types.Notification {
	start := apt.AppointmentDateTime
	if loc != nil {
		start = start.In(loc)
	}
	return types.Notification{
		Kind:           kind,
		AppointmentID:  apt.AppointmentID,
		RecipientEmail: apt.PatientEmail,
		PatientName:    apt.PatientName,
		DoctorName:     apt.DoctorName,
		Date:           start.Format(notificationDateLayout),
		Time:           start.Format(notificationTimeLayout),
		Reason:         reason,
	}
}

type queuedNotification struct {
	notification types.Notification
	requestID    string
}

// AppointmentNotificationManager delivers patient emails from a bounded
// queue. Notify never blocks; a full queue drops the notification.
type AppointmentNotificationManager struct {
	sender      interfaces.EmailSender
	clinic      ClinicInfo
	sendTimeout time.Duration
	logger      *logger.Logger
	metrics     *monitoring.MetricsCollector

	mu     sync.RWMutex
	closed bool
	queue  chan queuedNotification
	wg     sync.WaitGroup
}

// NewAppointmentNotificationManager creates the manager and starts its workers
func NewAppointmentNotificationManager(sender interfaces.EmailSender, cfg *config.NotificationConfig, log *logger.Logger, metrics *monitoring.MetricsCollector) *AppointmentNotificationManager {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	sendTimeout := time.Duration(cfg.SendTimeoutSeconds) * time.Second
	if sendTimeout <= 0 {
		sendTimeout = 10 * time.Second
	}

	m := &AppointmentNotificationManager{
		sender: sender,
		clinic: ClinicInfo{
			Name:  cfg.ClinicName,
			Phone: cfg.ClinicPhone,
			Email: cfg.ClinicEmail,
		},
		sendTimeout: sendTimeout,
		logger:      log,
		metrics:     metrics,
		queue:       make(chan queuedNotification, cfg.QueueSize),
	}

	for i := 0; i < workers; i++ {
		m.wg.Add(1)
		go m.worker()
	}
	return m
}

// Notify implements interfaces.Notifier
func (m *AppointmentNotificationManager) Notify(ctx context.Context, n types.Notification) {
	log := m.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"component":      "notifications",
		"kind":           n.Kind,
		"appointment_id": n.AppointmentID,
	})

	if n.RecipientEmail == "" {
		m.metrics.RecordNotification(string(n.Kind), "skipped")
		log.Warn("Notification skipped: no recipient email")
		return
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		m.metrics.RecordNotification(string(n.Kind), "dropped")
		log.Warn("Notification dropped: manager is shut down")
		return
	}

	select {
	case m.queue <- queuedNotification{notification: n, requestID: logger.RequestIDFromContext(ctx)}:
		m.metrics.SetNotificationQueueDepth(len(m.queue))
	default:
		m.metrics.RecordNotification(string(n.Kind), "dropped")
		log.Warn("Notification dropped: queue is full")
	}
}

func (m *AppointmentNotificationManager) worker() {
	defer m.wg.Done()
	for item := range m.queue {
		m.metrics.SetNotificationQueueDepth(len(m.queue))
		m.deliver(item)
	}
}

// deliver renders and sends one email. Failures are logged and counted only.
func (m *AppointmentNotificationManager) deliver(item queuedNotification) {
	n := item.notification
	ctx, cancel := context.WithTimeout(context.Background(), m.sendTimeout)
	defer cancel()
	if item.requestID != "" {
		ctx = logger.ContextWithRequestID(ctx, item.requestID)
	}

	log := m.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"component":      "notifications",
		"kind":           n.Kind,
		"appointment_id": n.AppointmentID,
	})

	subject, body, err := RenderNotification(n, m.clinic)
	if err != nil {
		m.metrics.RecordNotification(string(n.Kind), "failed")
		log.WithError(err).Error("Failed to render notification")
		return
	}

	if err := m.sender.SendEmail(ctx, n.RecipientEmail, subject, body); err != nil {
		m.metrics.RecordNotification(string(n.Kind), "failed")
		log.WithError(err).Error("Failed to send notification")
		return
	}

	m.metrics.RecordNotification(string(n.Kind), "sent")
	log.Info("Notification sent")
}

// Shutdown stops accepting notifications and waits for the queue to drain
// until ctx expires
func (m *AppointmentNotificationManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.queue)
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("notification queue not drained: %w", ctx.Err())
	}
}
