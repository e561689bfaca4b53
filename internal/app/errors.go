package app

import "fmt"

// DomainError is an application-level failure that maps directly onto an HTTP
// response: Status becomes the response code and Code/Message/Details the
// error body. Errors that are not DomainErrors surface as a generic 500.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

// domainError is the one constructor; the service layer names the code so the
// HTTP layer never has to interpret failures.
func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}
