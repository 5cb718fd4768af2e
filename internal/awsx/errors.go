package awsx

import (
	"errors"
	"strings"

	"github.com/aws/smithy-go"
)

// The engine's dominant retry idiom is post-hoc suppression: attempt the
// call unconditionally, then decide from the error code whether the work was
// already done. These predicates are the single place that decides what
// counts as "already done" — callers must not match codes inline.

// IsNotFound reports whether err is a provider "resource does not exist"
// error. For deletions and lookups of steady-state-absent resources this is
// treated as success, not failure.
func IsNotFound(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	code := apiErr.ErrorCode()
	switch {
	case code == "NoSuchEntity": // IAM
		return true
	case code == "ValidationError": // CloudFormation wraps absence in a generic code
		return strings.Contains(apiErr.ErrorMessage(), "does not exist")
	case strings.HasSuffix(code, ".NotFound"): // EC2 family
		return true
	case strings.HasSuffix(code, "NotFoundException"): // ECS, Logs, Secrets Manager
		return true
	}
	return false
}

// IsAlreadyExists reports whether err indicates the resource being created
// already exists. Creations treat this as success.
func IsAlreadyExists(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	code := apiErr.ErrorCode()
	switch {
	case code == "EntityAlreadyExists": // IAM
		return true
	case code == "ResourceExistsException": // Secrets Manager
		return true
	case strings.HasSuffix(code, ".Duplicate"): // EC2 family
		return true
	case strings.HasSuffix(code, "AlreadyExistsException"): // CloudWatch Logs, ECS
		return true
	}
	return false
}

// IsDuplicateRule reports whether err is the EC2 duplicate security group
// rule error. Kept separate from IsAlreadyExists so security group widening
// can swallow exactly this and nothing broader.
func IsDuplicateRule(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.ErrorCode() == "InvalidPermission.Duplicate"
}
