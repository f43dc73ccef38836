// Copyright 2026 The PrintWire Authors
// SPDX-License-Identifier: Apache-2.0

package proto

import (
	"encoding/json"

	"github.com/printwire/pcs/internal/pcserr"
)

// Response is the wire envelope for every command result (spec §3
// "Response"): success-void, success-with-value, or error. A single Go
// type covers all three shapes; Result is omitted for success-void and
// ErrorType/ErrorMessage are omitted for success.
type Response struct {
	Success      bool            `json:"success"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorType    string          `json:"errorType,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
}

// SuccessVoid builds a {success:true} response.
func SuccessVoid() Response {
	return Response{Success: true}
}

// SuccessValue builds a {success:true, result:<v>} response; a nil v
// gives a success-void response. Returns an error only if v is not
// JSON-marshalable, which would be a programming error in a command
// handler, not a runtime condition.
func SuccessValue(v any) (Response, error) {
	if v == nil {
		return SuccessVoid(), nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return Response{}, err
	}
	return Response{Success: true, Result: raw}, nil
}

// ErrorResponse builds a {success:false, errorType, errorMessage}
// response from any error, extracting the wire Kind via pcserr.KindOf.
func ErrorResponse(err error) Response {
	return Response{
		Success:      false,
		ErrorType:    string(pcserr.KindOf(err)),
		ErrorMessage: err.Error(),
	}
}
