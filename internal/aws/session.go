package aws

import (
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/xerrors"

	"github.com/coinbase/chainmirror/internal/utils/fxparams"
	"github.com/coinbase/chainmirror/internal/utils/log"
)

type (
	SessionParams struct {
		fx.In
		fxparams.Params
		AWSConfig *aws.Config
	}
)

func NewSession(params SessionParams) (*session.Session, error) {
	awsSession, err := session.NewSession(params.AWSConfig)
	if err != nil {
		return nil, xerrors.Errorf("failed to create AWS session: %w", err)
	}

	// Failed requests are logged once the sdk has given up retrying.
	logger := log.WithPackage(params.Logger)
	awsSession.Handlers.Complete.PushBackNamed(request.NamedHandler{
		Name: "chainmirror.LogRequestError",
		Fn: func(r *request.Request) {
			if r.Error != nil {
				logger.Warn(
					"aws request failed",
					zap.String("service", r.ClientInfo.ServiceName),
					zap.String("operation", r.Operation.Name),
					zap.Int("retries", r.RetryCount),
					zap.Error(r.Error),
				)
			}
		},
	})
	return awsSession, nil
}
