// Package consulta implements the clinical conversation orchestration core:
// session lifecycle, intent routing across specialized agents, edge-case
// (risk) detection with persistent escalation, context-window compression,
// and token-by-token streaming with idempotent post-stream persistence.
//
// The core is storage- and provider-agnostic. Durable state goes through the
// SessionStore and PatientStore contracts (see store/sqlite and
// store/postgres), and model calls go through ModelClient (see
// provider/gemini). Everything else, from routing and risk state to
// metadata and compression, lives in this package.
package consulta
