// Package triage provides the business boundary for medrelay's message triage.
// It defines the Classifier contract, the pure routing policy (Decide), the
// synchronous message pipeline (Service), and the alert/notification models.
package triage
