package sqs

import (
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/sqs"
	"golang.org/x/xerrors"
)

// prepareLocalQueue makes sure the LocalStack queue exists, recreating it when reset is set.
func (q *queue) prepareLocalQueue(reset bool) error {
	err := q.lookupURL()
	exists := err == nil
	if err != nil {
		var aerr awserr.Error
		if !xerrors.As(err, &aerr) || aerr.Code() != sqs.ErrCodeQueueDoesNotExist {
			return err
		}
	}

	if exists && reset {
		if _, err := q.client.DeleteQueue(&sqs.DeleteQueueInput{QueueUrl: aws.String(q.url)}); err != nil {
			return xerrors.Errorf("failed to delete queue: %w", err)
		}
		q.logger.Info("deleted local queue")
		q.url = ""
		exists = false
	}

	if !exists {
		if _, err := q.client.CreateQueue(&sqs.CreateQueueInput{QueueName: aws.String(q.cfg.Name)}); err != nil {
			return xerrors.Errorf("failed to create queue: %w", err)
		}
		q.logger.Info("created local queue")
	}
	return nil
}
