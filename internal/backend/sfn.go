package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	sfntypes "github.com/aws/aws-sdk-go-v2/service/sfn/types"

	"github.com/kalambet/duplex/internal/record"
)

// SFNAPI is the slice of the Step Functions client the runner uses.
type SFNAPI interface {
	StartExecution(ctx context.Context, params *sfn.StartExecutionInput, optFns ...func(*sfn.Options)) (*sfn.StartExecutionOutput, error)
	DescribeExecution(ctx context.Context, params *sfn.DescribeExecutionInput, optFns ...func(*sfn.Options)) (*sfn.DescribeExecutionOutput, error)
}

// SFNRunner runs background jobs as Step Functions executions. A caller's
// idempotency token becomes the execution name: StartExecution with the
// same name and input returns the original execution ARN instead of
// launching a duplicate, which is exactly the dedup guarantee the retry
// policy relies on.
type SFNRunner struct {
	client          SFNAPI
	stateMachineARN string
}

func NewSFNRunner(client SFNAPI, stateMachineARN string) *SFNRunner {
	return &SFNRunner{client: client, stateMachineARN: stateMachineARN}
}

func (r *SFNRunner) Start(ctx context.Context, subjectID int64, idempotencyToken string) (string, error) {
	input, err := json.Marshal(map[string]int64{"subject_id": subjectID})
	if err != nil {
		return "", fmt.Errorf("encoding job input: %w", err)
	}

	req := &sfn.StartExecutionInput{
		StateMachineArn: aws.String(r.stateMachineARN),
		Input:           aws.String(string(input)),
	}
	if idempotencyToken != "" {
		req.Name = aws.String(idempotencyToken)
	}

	out, err := r.client.StartExecution(ctx, req)
	var exists *sfntypes.ExecutionAlreadyExists
	if errors.As(err, &exists) {
		// Same name, different input: a genuine duplicate start attempt
		// rather than a retried one. Surface it as a user-input problem.
		return "", fmt.Errorf("starting job for subject %d: %w", subjectID, err)
	}
	if err != nil {
		return "", fmt.Errorf("starting job for subject %d: %w", subjectID, err)
	}
	return aws.ToString(out.ExecutionArn), nil
}

func (r *SFNRunner) Describe(ctx context.Context, executionID string) (JobStatus, error) {
	out, err := r.client.DescribeExecution(ctx, &sfn.DescribeExecutionInput{
		ExecutionArn: aws.String(executionID),
	})
	if err != nil {
		return JobStatus{}, fmt.Errorf("describing execution %s: %w", executionID, err)
	}

	status := JobStatus{
		ExecutionID: aws.ToString(out.ExecutionArn),
		Status:      mapExecutionStatus(out.Status),
	}
	if out.StartDate != nil {
		status.StartedAt = *out.StartDate
	}
	if out.StopDate != nil {
		t := *out.StopDate
		status.StoppedAt = &t
	}
	if out.Error != nil {
		status.Error = aws.ToString(out.Error)
		if out.Cause != nil {
			status.Error = fmt.Sprintf("%s: %s", status.Error, aws.ToString(out.Cause))
		}
	}
	return status, nil
}

func mapExecutionStatus(s sfntypes.ExecutionStatus) record.ExecutionStatus {
	switch s {
	case sfntypes.ExecutionStatusRunning:
		return record.StatusRunning
	case sfntypes.ExecutionStatusSucceeded:
		return record.StatusSucceeded
	case sfntypes.ExecutionStatusFailed:
		return record.StatusFailed
	case sfntypes.ExecutionStatusTimedOut:
		return record.StatusTimedOut
	case sfntypes.ExecutionStatusAborted:
		return record.StatusAborted
	}
	return record.StatusFailed
}
