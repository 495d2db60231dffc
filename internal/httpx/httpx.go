// Package httpx provides helper functions for creating HTTP responses.
package httpx

import (
	"encoding/json"

	"github.com/uscar-it/submission-pipeline/internal/models"

	"github.com/aws/aws-lambda-go/events"
)

// JSON creates a JSON HTTP response with the given status code and value.
func JSON(status int, v any) (events.APIGatewayV2HTTPResponse, error) {
	b, _ := json.Marshal(v)
	return events.APIGatewayV2HTTPResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type": "application/json",
		},
		Body: string(b),
	}, nil
}

// Error creates a JSON HTTP error response with the given status code and message.
func Error(status int, msg string) (events.APIGatewayV2HTTPResponse, error) {
	return JSON(status, map[string]string{"error": msg})
}

// errorBody is the envelope for error responses carrying field-level detail.
type errorBody struct {
	Error   string               `json:"error"`
	Details []models.ErrorDetail `json:"details"`
}

// Failure creates an error response with a taxonomy name and detail list.
func Failure(status int, name string, details []models.ErrorDetail) (events.APIGatewayV2HTTPResponse, error) {
	return JSON(status, errorBody{Error: name, Details: details})
}

// ValidationFailed creates the standard 400 response for input validation errors.
func ValidationFailed(details ...models.ErrorDetail) (events.APIGatewayV2HTTPResponse, error) {
	return Failure(400, "ValidationFailed", details)
}
