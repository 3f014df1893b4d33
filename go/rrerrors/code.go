// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package rrerrors provides typed errors for replroute. Every error carries
// a canonical code so callers can branch on failure class without string
// matching, plus sentinel values for errors.Is checks.
package rrerrors

// Code classifies an error. The values follow the canonical gRPC code
// numbering so they translate directly if a transport layer is added later.
type Code int32

const (
	CodeOK                 Code = 0
	CodeUnknown            Code = 2
	CodeDeadlineExceeded   Code = 4
	CodeNotFound           Code = 5
	CodeAborted            Code = 10
	CodeFailedPrecondition Code = 9
	CodeInternal           Code = 13
	CodeUnavailable        Code = 14
)

var codeNames = map[Code]string{
	CodeOK:                 "OK",
	CodeUnknown:            "UNKNOWN",
	CodeDeadlineExceeded:   "DEADLINE_EXCEEDED",
	CodeNotFound:           "NOT_FOUND",
	CodeAborted:            "ABORTED",
	CodeFailedPrecondition: "FAILED_PRECONDITION",
	CodeInternal:           "INTERNAL",
	CodeUnavailable:        "UNAVAILABLE",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return "UNKNOWN"
}
