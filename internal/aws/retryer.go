package aws

import (
	"errors"
	"net"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/client"
	"github.com/aws/aws-sdk-go/aws/request"
)

// dlqRetryer extends the sdk's default policy to connection resets while reading a response.
// The sdk treats those as final since it cannot know whether the call is idempotent
// (https://github.com/aws/aws-sdk-go/pull/2926). Sends, receives and deletes on the
// dead-letter queue all tolerate duplicates.
type dlqRetryer struct {
	client.DefaultRetryer
}

const (
	maxRetries    = 10
	minRetryDelay = 50 * time.Millisecond
)

var _ request.Retryer = (*dlqRetryer)(nil)

func newRetryer() *dlqRetryer {
	return &dlqRetryer{
		DefaultRetryer: client.DefaultRetryer{
			NumMaxRetries: maxRetries,
			MinRetryDelay: minRetryDelay,
		},
	}
}

func (r *dlqRetryer) ShouldRetry(req *request.Request) bool {
	return r.DefaultRetryer.ShouldRetry(req) || connectionReset(req.Error)
}

func connectionReset(err error) bool {
	for err != nil {
		var opErr *net.OpError
		if errors.As(err, &opErr) && opErr.Op == "read" && strings.Contains(opErr.Err.Error(), "connection reset") {
			return true
		}

		// awserr.Error keeps its cause behind OrigErr rather than Unwrap.
		var awsErr awserr.Error
		if !errors.As(err, &awsErr) {
			break
		}
		err = awsErr.OrigErr()
	}
	return false
}
