package drain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

// instanceActionPath is the spot interruption document. It returns 404
// until an interruption is scheduled.
const instanceActionPath = "spot/instance-action"

// IMDSAPI is the subset of the IMDS client used by IMDSNotice.
type IMDSAPI interface {
	GetMetadata(ctx context.Context, params *imds.GetMetadataInput, optFns ...func(*imds.Options)) (*imds.GetMetadataOutput, error)
}

// IMDSNotice is a NoticeSource for EC2 spot interruptions. The SDK
// client handles the IMDSv2 session token.
type IMDSNotice struct {
	client IMDSAPI
	now    func() time.Time
}

var _ NoticeSource = (*IMDSNotice)(nil)

// NewIMDSNotice creates an IMDSNotice. A nil client uses imds.New with
// default options.
func NewIMDSNotice(client IMDSAPI) *IMDSNotice {
	if client == nil {
		client = imds.New(imds.Options{})
	}
	return &IMDSNotice{client: client, now: time.Now}
}

type instanceAction struct {
	Action string    `json:"action"`
	Time   time.Time `json:"time"`
}

// Poll implements NoticeSource.
func (s *IMDSNotice) Poll(ctx context.Context) (Notice, bool, error) {
	out, err := s.client.GetMetadata(ctx, &imds.GetMetadataInput{Path: instanceActionPath})
	if err != nil {
		var respErr *smithyhttp.ResponseError
		if errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusNotFound {
			return Notice{}, false, nil
		}
		return Notice{}, false, fmt.Errorf("poll instance action: %w", err)
	}
	defer out.Content.Close()

	body, err := io.ReadAll(out.Content)
	if err != nil {
		return Notice{}, false, fmt.Errorf("read instance action: %w", err)
	}
	var action instanceAction
	if err := json.Unmarshal(body, &action); err != nil {
		return Notice{}, false, fmt.Errorf("decode instance action: %w", err)
	}
	reason := "spot_interruption"
	if action.Action != "" {
		reason = "spot_" + action.Action
	}
	return Notice{Reason: reason, At: s.now(), Deadline: action.Time}, true, nil
}
