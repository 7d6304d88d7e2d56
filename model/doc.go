// Package model defines the provider-agnostic abstraction used by the
// orchestrator to turn a task payload into text.
//
// Core goals:
//   - Unify streaming and non-streaming generation behind a single interface
//   - Keep request/response shapes minimal and transport independent
//   - Facilitate lightweight mocking for tests (MockModel)
//
// Providers (OpenAI, Anthropic) implement Model in sub-packages so the
// orchestrator remains decoupled from vendor SDKs.
package model
