// Package httputil provides HTTP handler utilities for machine-code error
// responses, JSON encoding/decoding, and request parsing.
package httputil

import (
	"encoding/json"
	"net/http"
)

// Code is a compact machine code surfaced to clients. Codes are the whole
// diagnostic; human text never travels with them.
type Code string

// Client-visible machine codes.
const (
	CodeBadEmail            Code = "bad_email"
	CodeBadLen              Code = "bad_len"
	CodeInvalidIDOrRepo     Code = "invalid_id_or_repo"
	CodeNameInUse           Code = "name_in_use"
	CodeIDInUse             Code = "id_in_use"
	CodeInvalidAccessConfig Code = "invalid_access_config"
	CodePlatSupp            Code = "plat_supp"
	CodeBadDepTuple         Code = "bad_dep_tuple"
	CodeInvalidDepSel       Code = "invalid_dep_sel"
	CodeSelfDep             Code = "self_dep"
	CodeDepOrSelfInc        Code = "dep_or_self_inc"
	CodeTooManyTokens       Code = "too_many_tokens"
	CodeInvalidPerm         Code = "invalid_perm"
	CodeExtraArr            Code = "extra_arr"
	CodeBadAfterDate        Code = "bad_after_date"
	CodeBadBeforeDate       Code = "bad_before_date"
	CodeBadDateCombo        Code = "bad_date_combo"
	CodeShortDiff           Code = "short_diff"
	CodeLongDiff            Code = "long_diff"
	CodeCantRetry           Code = "cant_retry"
	CodeVersionExists       Code = "version_exists"
	CodeVersionNotExist     Code = "version_not_exist"
	CodeTooSoon             Code = "too_soon"
	CodeNoChange            Code = "no_change"
	CodeNameExists          Code = "name_exists"
	CodeProfaneName         Code = "profane_name"
	CodeInvalidName         Code = "invalid_name"
	CodeInvalidVersion      Code = "invalid_version"
	CodeInvalidSelection    Code = "invalid_selection"
	CodeNoFile              Code = "no_file"
	CodeInvalidClient       Code = "invalid_client"
	CodeInvalidGrant        Code = "invalid_grant"
	CodeUnauthorized        Code = "unauthorized"
	CodeForbidden           Code = "forbidden"
	CodeNotFound            Code = "not_found"
	CodeHumanCheck          Code = "human_check"
	CodeRateLimited         Code = "rate_limited"
	CodeServerError         Code = "server_error"
)

// CodedError couples an internal log message with the code a client sees.
type CodedError struct {
	Status  int
	Code    Code
	Message string
}

func (e *CodedError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return string(e.Code)
}

// NewCodedError builds a CodedError with an internal message.
func NewCodedError(status int, code Code, message string) *CodedError {
	return &CodedError{Status: status, Code: code, Message: message}
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// WriteCode writes a machine-code error body {"code": "..."}.
func WriteCode(w http.ResponseWriter, status int, code Code) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]Code{"code": code})
}

// WriteCodedError maps a CodedError onto the wire; any other error becomes
// an opaque 500 so internals never leak.
func WriteCodedError(w http.ResponseWriter, err error) {
	if coded, ok := err.(*CodedError); ok {
		WriteCode(w, coded.Status, coded.Code)
		return
	}
	WriteCode(w, http.StatusInternalServerError, CodeServerError)
}

// WriteBadRequest writes a 400 with the given code.
func WriteBadRequest(w http.ResponseWriter, code Code) {
	WriteCode(w, http.StatusBadRequest, code)
}

// WriteUnauthorized writes a 401 with the given code.
func WriteUnauthorized(w http.ResponseWriter, code Code) {
	WriteCode(w, http.StatusUnauthorized, code)
}

// WriteForbidden writes a 403 with the given code.
func WriteForbidden(w http.ResponseWriter, code Code) {
	WriteCode(w, http.StatusForbidden, code)
}

// WriteNotFound writes a 404 with the given code.
func WriteNotFound(w http.ResponseWriter, code Code) {
	WriteCode(w, http.StatusNotFound, code)
}

// WriteHumanCheckFailed writes the 418 used when a human check scores too low.
func WriteHumanCheckFailed(w http.ResponseWriter) {
	WriteCode(w, http.StatusTeapot, CodeHumanCheck)
}

// WriteInternalError writes an opaque 500.
func WriteInternalError(w http.ResponseWriter) {
	WriteCode(w, http.StatusInternalServerError, CodeServerError)
}

// WriteSuccess writes a 200 with JSON data.
func WriteSuccess(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusOK, data)
}

// WriteCreated writes a 201 with JSON data.
func WriteCreated(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusCreated, data)
}

// WriteNoContent writes a 204.
func WriteNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}
