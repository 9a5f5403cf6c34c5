package worker

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	sestypes "github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"

	"github.com/avisitor/mail-service-sub000/internal/db"
)

// SESSender delivers through AWS SES. Credentials come from the resolved
// config when present; otherwise the default AWS credential chain applies,
// so a region-only config still works on instance roles.
type SESSender struct {
	region string
	logger *zap.Logger
}

// NewSESSender creates an SES sender. region is the fallback when the
// resolved config carries none.
func NewSESSender(region string, logger *zap.Logger) *SESSender {
	return &SESSender{region: region, logger: logger}
}

func (s *SESSender) Send(ctx context.Context, req *SendRequest) (*SendResult, error) {
	cfg := req.Config

	region := cfg.AWSRegion
	if region == "" {
		region = s.region
	}
	if region == "" {
		return nil, fmt.Errorf("resolved config has no aws region")
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AWSAccessKey != "" && cfg.AWSSecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AWSAccessKey, cfg.AWSSecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	client := ses.NewFromConfig(awsCfg)

	input := &ses.SendEmailInput{
		Source: aws.String(formatAddress(req.FromAddress, req.FromName)),
		Destination: &sestypes.Destination{
			ToAddresses: []string{req.To},
		},
		Message: &sestypes.Message{
			Subject: &sestypes.Content{
				Data:    aws.String(req.Subject),
				Charset: aws.String("UTF-8"),
			},
			Body: &sestypes.Body{
				Html: &sestypes.Content{
					Data:    aws.String(req.Body),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	result, err := client.SendEmail(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("ses send: %w", err)
	}

	s.logger.Info("email sent via ses",
		zap.String("to", req.To),
		zap.String("region", region),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)

	return &SendResult{
		MessageID: aws.ToString(result.MessageId),
		Status:    "sent",
		Accepted:  []string{req.To},
		Response:  "ses accepted",
	}, nil
}

func (s *SESSender) SupportsService(service string) bool {
	return service == db.ServiceSES
}

func formatAddress(addr, name string) string {
	if name == "" {
		return addr
	}
	return fmt.Sprintf("%s <%s>", name, addr)
}
