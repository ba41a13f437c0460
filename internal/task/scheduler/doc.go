// Package scheduler registers recurring jobs and turns their triggers into
// tasks on the engine. It computes trigger times only; execution, timeouts and
// overlap gating belong to internal/task/engine.
package scheduler
