/*
Outbox - durable outbound email dispatcher.
Copyright © 2021-2024 Outbox contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package exterrors

import (
	"fmt"
)

// EnhancedCode is a SMTP enhanced status code as defined in RFC 3463.
type EnhancedCode [3]int

func (ec EnhancedCode) FormatLog() string {
	return fmt.Sprintf("%d.%d.%d", ec[0], ec[1], ec[2])
}

// SMTPError is the error that is reported to the message source when the
// message delivery fails. It is not necessarily caused by an error response
// from a remote server, but it is always converible into one.
type SMTPError struct {
	// SMTP status code. Most of the time it is copied as-is from the
	// response of the remote server.
	Code int

	// Enhanced SMTP status code.
	EnhancedCode EnhancedCode

	// Error message for the protocol response. Usually also contains
	// the most useful information for the log.
	Message string

	// The name of the delivery target that generated this error.
	TargetName string

	// Underlying error that caused this one. Can be nil.
	Err error

	// Human-readable description of the error cause, if the Message
	// field is too generic or not accurate for the log.
	Reason string

	// Arbitrary fields to include in the log alongside the error
	// information.
	Misc map[string]interface{}
}

func (se *SMTPError) Unwrap() error {
	return se.Err
}

// Temporary reports whether the error is temporary based on its SMTP code,
// 4xx codes are considered temporary.
func (se *SMTPError) Temporary() bool {
	return se.Code/100 == 4
}

func (se *SMTPError) Fields() map[string]interface{} {
	ctx := make(map[string]interface{}, len(se.Misc)+6)
	for k, v := range se.Misc {
		ctx[k] = v
	}
	ctx["smtp_code"] = se.Code
	ctx["smtp_enchcode"] = se.EnhancedCode
	ctx["smtp_msg"] = se.Message
	if se.TargetName != "" {
		ctx["target"] = se.TargetName
	}
	if se.Reason != "" {
		ctx["reason"] = se.Reason
	}
	if se.Err != nil {
		ctx["underlying_err"] = se.Err.Error()
	}
	return ctx
}

func (se *SMTPError) Error() string {
	if se.Reason != "" {
		return se.Reason
	}
	if se.Err != nil {
		return se.Err.Error()
	}
	return se.Message
}

func (se *SMTPError) FormatLog() string {
	return fmt.Sprintf("%d %d.%d.%d %s",
		se.Code, se.EnhancedCode[0], se.EnhancedCode[1], se.EnhancedCode[2],
		se.Message)
}

// SMTPCode returns one of the passed SMTP codes depending on the
// error temporariness, as reported by IsTemporaryOrUnspec.
func SMTPCode(err error, temporaryCode, permanentCode int) int {
	if IsTemporaryOrUnspec(err) {
		return temporaryCode
	}
	return permanentCode
}

// SMTPEnchCode sets the first number of the SMTP enhanced status code
// depending on the error temporariness, as reported by IsTemporaryOrUnspec.
func SMTPEnchCode(err error, code EnhancedCode) EnhancedCode {
	if IsTemporaryOrUnspec(err) {
		code[0] = 4
		return code
	}
	code[0] = 5
	return code
}
