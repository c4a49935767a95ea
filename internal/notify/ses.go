// Package notify implements the notification gateway on AWS SES v2. The
// engine hands it an evaluation id and a notification kind; it resolves the
// audience through the directory service and reports who was contacted.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	sestypes "github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"evaluation-scheduler/internal/directory"
	"evaluation-scheduler/internal/models"
)

// SESAPI is the subset of the SES v2 client the gateway uses. Extracted so
// tests can provide a mock implementation.
type SESAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// RecipientResolver resolves an evaluation audience to addresses.
type RecipientResolver interface {
	Recipients(ctx context.Context, evaluationID string, audience directory.Audience) ([]directory.Recipient, error)
}

// EvaluationReader loads the evaluation for subject/body content.
type EvaluationReader interface {
	GetEvaluation(ctx context.Context, id string) (*models.Evaluation, error)
}

// Gateway sends lifecycle notification emails.
type Gateway struct {
	api       SESAPI
	resolver  RecipientResolver
	reader    EvaluationReader
	from      string
	configSet string
}

// NewGateway creates a gateway from an AWS config.
func NewGateway(awsCfg aws.Config, resolver RecipientResolver, reader EvaluationReader, from, configSet string) *Gateway {
	return NewGatewayWithAPI(sesv2.NewFromConfig(awsCfg), resolver, reader, from, configSet)
}

// NewGatewayWithAPI creates a gateway with a pre-built SES API, for tests.
func NewGatewayWithAPI(api SESAPI, resolver RecipientResolver, reader EvaluationReader, from, configSet string) *Gateway {
	return &Gateway{api: api, resolver: resolver, reader: reader, from: from, configSet: configSet}
}

func (g *Gateway) SendCreated(ctx context.Context, evaluationID string) ([]string, error) {
	eval, err := g.reader.GetEvaluation(ctx, evaluationID)
	if err != nil {
		return nil, err
	}
	subject := fmt.Sprintf("Evaluation created: %s", eval.Title)
	body := fmt.Sprintf(
		"The evaluation %q has been created. You may add your own items before it opens%s.",
		eval.Title, onDate(" on", eval.StartDate))
	return g.sendTo(ctx, evaluationID, directory.AudienceInstructors, subject, body)
}

func (g *Gateway) SendAvailable(ctx context.Context, evaluationID string) ([]string, error) {
	eval, err := g.reader.GetEvaluation(ctx, evaluationID)
	if err != nil {
		return nil, err
	}
	subject := fmt.Sprintf("Evaluation open: %s", eval.Title)
	body := fmt.Sprintf(
		"The evaluation %q is now open for responses%s.",
		eval.Title, onDate(" until", eval.DueDate))
	return g.sendTo(ctx, evaluationID, directory.AudienceTakers, subject, body)
}

func (g *Gateway) SendReminder(ctx context.Context, evaluationID string) ([]string, error) {
	eval, err := g.reader.GetEvaluation(ctx, evaluationID)
	if err != nil {
		return nil, err
	}
	subject := fmt.Sprintf("Reminder: %s", eval.Title)
	body := fmt.Sprintf(
		"You have not yet responded to the evaluation %q%s.",
		eval.Title, onDate(", which closes", eval.DueDate))
	return g.sendTo(ctx, evaluationID, directory.AudienceTakers, subject, body)
}

func (g *Gateway) SendResultsViewable(ctx context.Context, evaluationID string, allAudiences bool) ([]string, error) {
	eval, err := g.reader.GetEvaluation(ctx, evaluationID)
	if err != nil {
		return nil, err
	}
	audience := directory.AudienceOwner
	if allAudiences {
		audience = directory.AudienceAll
	}
	subject := fmt.Sprintf("Results available: %s", eval.Title)
	body := fmt.Sprintf("The results of the evaluation %q can now be viewed.", eval.Title)
	return g.sendTo(ctx, evaluationID, audience, subject, body)
}

func (g *Gateway) SendResultsViewableInstructors(ctx context.Context, evaluationID string) ([]string, error) {
	return g.sendAudienceViewable(ctx, evaluationID, directory.AudienceInstructors)
}

func (g *Gateway) SendResultsViewableStudents(ctx context.Context, evaluationID string) ([]string, error) {
	return g.sendAudienceViewable(ctx, evaluationID, directory.AudienceStudents)
}

func (g *Gateway) sendAudienceViewable(ctx context.Context, evaluationID string, audience directory.Audience) ([]string, error) {
	eval, err := g.reader.GetEvaluation(ctx, evaluationID)
	if err != nil {
		return nil, err
	}
	subject := fmt.Sprintf("Results available: %s", eval.Title)
	body := fmt.Sprintf("The results of the evaluation %q can now be viewed.", eval.Title)
	return g.sendTo(ctx, evaluationID, audience, subject, body)
}

// sendTo resolves the audience and sends one email per recipient. Partial
// failure still reports who was contacted.
func (g *Gateway) sendTo(ctx context.Context, evaluationID string, audience directory.Audience, subject, body string) ([]string, error) {
	recipients, err := g.resolver.Recipients(ctx, evaluationID, audience)
	if err != nil {
		return nil, err
	}

	var contacted []string
	var errs []error
	for _, r := range recipients {
		input := &sesv2.SendEmailInput{
			FromEmailAddress: aws.String(g.from),
			Destination: &sestypes.Destination{
				ToAddresses: []string{r.Address},
			},
			Content: &sestypes.EmailContent{
				Simple: &sestypes.Message{
					Subject: &sestypes.Content{Data: aws.String(subject), Charset: aws.String("UTF-8")},
					Body: &sestypes.Body{
						Text: &sestypes.Content{Data: aws.String(body), Charset: aws.String("UTF-8")},
					},
				},
			},
		}
		if g.configSet != "" {
			input.ConfigurationSetName = aws.String(g.configSet)
		}
		if _, err := g.api.SendEmail(ctx, input); err != nil {
			errs = append(errs, fmt.Errorf("send to %s: %w", r.Address, err))
			continue
		}
		contacted = append(contacted, r.Address)
	}
	return contacted, errors.Join(errs...)
}

func onDate(prefix string, t *time.Time) string {
	if t == nil {
		return ""
	}
	return fmt.Sprintf("%s %s", prefix, t.UTC().Format("Jan 2, 2006 15:04 MST"))
}
