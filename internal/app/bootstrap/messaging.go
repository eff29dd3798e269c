package bootstrap

import (
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	appconfig "github.com/wolfman30/dental-evaluation-funnel/internal/config"
	"github.com/wolfman30/dental-evaluation-funnel/internal/messaging"
	"github.com/wolfman30/dental-evaluation-funnel/internal/messaging/whatsapp"
	"github.com/wolfman30/dental-evaluation-funnel/internal/notify"
	"github.com/wolfman30/dental-evaluation-funnel/pkg/logging"
)

// BuildSender returns the WhatsApp sender, failing over to the log sender so
// a misconfigured channel never blocks the funnel. The second value names
// the active provider.
func BuildSender(cfg *appconfig.Config, logger *logging.Logger) (messaging.Sender, string) {
	if logger == nil {
		logger = logging.Default()
	}
	logSender := messaging.NewLogSender(logger)
	client, err := whatsapp.New(whatsapp.Config{
		BaseURL:       cfg.WhatsAppBaseURL,
		AccessToken:   cfg.WhatsAppAccessToken,
		PhoneNumberID: cfg.WhatsAppPhoneNumberID,
		Logger:        logger,
	})
	if err != nil {
		logger.Warn("whatsapp sender disabled", "reason", err.Error())
		return logSender, "log"
	}
	return messaging.NewFailoverSender(client, "whatsapp", logSender, "log", logger), "whatsapp"
}

// BuildDispatcher queues messages on SQS when a queue is configured and
// otherwise sends them from a detached task in this process.
func BuildDispatcher(cfg *appconfig.Config, awsCfg *aws.Config, sender messaging.Sender, runner messaging.Runner, logger *logging.Logger) (messaging.Dispatcher, string) {
	if cfg.NotificationQueueURL != "" && awsCfg != nil {
		queue := messaging.NewSQSQueue(sqs.NewFromConfig(*awsCfg), cfg.NotificationQueueURL)
		return messaging.NewQueueDispatcher(queue), "sqs"
	}
	return messaging.NewInlineDispatcher(sender, runner, logger), "inline"
}

// BuildEmailSender picks SendGrid or SES. "auto" prefers SendGrid when an API
// key is present. Without a usable provider the stub sender logs the mail.
func BuildEmailSender(cfg *appconfig.Config, awsCfg *aws.Config, logger *logging.Logger) (notify.EmailSender, string) {
	if logger == nil {
		logger = logging.Default()
	}
	sendgrid := func() notify.EmailSender {
		if s := notify.NewSendGridSender(notify.SendGridConfig{
			APIKey:    cfg.SendGridAPIKey,
			FromEmail: cfg.SendGridFromEmail,
			FromName:  cfg.SendGridFromName,
		}, logger); s != nil {
			return s
		}
		return nil
	}
	ses := func() notify.EmailSender {
		if awsCfg == nil {
			return nil
		}
		if s := notify.NewSESSender(sesv2.NewFromConfig(*awsCfg), notify.SESConfig{
			FromEmail: cfg.SESFromEmail,
			FromName:  cfg.SendGridFromName,
		}, logger); s != nil {
			return s
		}
		return nil
	}

	switch cfg.EmailProvider {
	case "sendgrid":
		if s := sendgrid(); s != nil {
			return s, "sendgrid"
		}
	case "ses":
		if s := ses(); s != nil {
			return s, "ses"
		}
	case "stub", "none":
	default:
		if s := sendgrid(); s != nil {
			return s, "sendgrid"
		}
		if s := ses(); s != nil {
			return s, "ses"
		}
	}
	logger.Warn("no email provider configured; emails will only be logged", "provider", cfg.EmailProvider)
	return notify.NewStubEmailSender(logger), "stub"
}
