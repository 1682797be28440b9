package s3bmi

import (
	"context"
	stderrors "errors"

	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	pvfserrors "github.com/objectfs/pvfs2client/pkg/errors"
)

// translateError maps an AWS SDK / context error onto the structured
// error taxonomy the rest of the core expects (spec.md §7), so a caller
// driving this adapter through the bmi.Transport/bmi.Flow interfaces sees
// the same error shape regardless of which concrete transport is behind
// them.
func translateError(err error, op, key string) error {
	if err == nil {
		return nil
	}

	switch {
	case isErrorType[*s3types.NoSuchKey](err):
		return pvfserrors.New(pvfserrors.CodeNotFound, "s3bmi", "no such object").
			WithOperation(op).WithDetail("key", key).WithCause(err)
	case isErrorType[*s3types.NoSuchBucket](err):
		return pvfserrors.New(pvfserrors.CodeNotFound, "s3bmi", "no such bucket").
			WithOperation(op).WithCause(err)
	case stderrors.Is(err, context.DeadlineExceeded):
		return pvfserrors.New(pvfserrors.CodeTimeout, "s3bmi", "request deadline exceeded").
			WithOperation(op).WithDetail("key", key).WithCause(err)
	case stderrors.Is(err, context.Canceled):
		return pvfserrors.New(pvfserrors.CodeCanceled, "s3bmi", "request canceled").
			WithOperation(op).WithDetail("key", key).WithCause(err)
	default:
		return pvfserrors.New(pvfserrors.CodeConnection, "s3bmi", "request failed").
			WithOperation(op).WithDetail("key", key).WithCause(err)
	}
}

func isErrorType[T error](err error) bool {
	var target T
	return stderrors.As(err, &target)
}
