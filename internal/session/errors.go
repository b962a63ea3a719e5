package session

import (
	"net/http"

	"github.com/manpreetbhatti/parley/internal/apiclient"
)

// User-facing messages for request failures.
const (
	MsgTurnInProgress = "Interview in progress. Please wait."
	MsgInvalidInput   = "Invalid input. Please check your answer."
	MsgRoomNotFound   = "Room not found."
	MsgSubmitFailed   = "Something went wrong. Please try again."
	MsgNothingToStop  = "No active turn to cancel."
	MsgCancelFailed   = "Failed to cancel."
	MsgCreateFailed   = "Failed to create room."
)

func DescribeSubmitError(err error) string {
	switch apiclient.StatusOf(err) {
	case http.StatusConflict:
		return MsgTurnInProgress
	case http.StatusBadRequest:
		return MsgInvalidInput
	case http.StatusNotFound:
		return MsgRoomNotFound
	default:
		return MsgSubmitFailed
	}
}

func DescribeCancelError(err error) string {
	switch apiclient.StatusOf(err) {
	case http.StatusConflict:
		return MsgNothingToStop
	case http.StatusNotFound:
		return MsgRoomNotFound
	default:
		return MsgCancelFailed
	}
}

func DescribeCreateError(err error) string {
	if apiclient.StatusOf(err) == http.StatusBadRequest {
		return MsgInvalidInput
	}
	return MsgCreateFailed
}
