// Package engine implements the build orchestration core of unibuild.
//
// # Overview
//
// A build run moves through four stages:
//
//  1. Detect - classify directories under a root into Projects (Detector)
//  2. Schedule - hand projects to a bounded worker pool (Scheduler)
//  3. Execute - run each operation as a child process (ProcessExecutor)
//  4. Aggregate - fold per-project outcomes into a BuildReport
//
// # Detection
//
// Languages are described by a LanguageTable loaded from configuration.
// A directory matches a language when one of its project files sits
// directly inside it (confidence 0.9) or when enough direct files match
// the language's file patterns (confidence 0.6). Exactly one language wins
// per directory. Languages outside SupportedLanguages are reported as
// unsupported and never scheduled.
//
// # Scheduling
//
// Operations of one project run strictly in order. A failing operation
// skips the rest of that project's pipeline but never touches sibling
// projects. Workers hand their results to a single aggregation loop over
// a channel, so the report is built without shared mutable state:
//
//	sched := engine.NewScheduler(table, exec, engine.SchedulerOptions{}, logger)
//	report := sched.Run(ctx, detection.Projects, []string{"install", "test", "build"}, 4)
//	fmt.Printf("%d/%d succeeded\n", report.Successful, report.TotalProjects)
//
// # Errors
//
// EngineError carries both a Kind (where the error came from, which
// decides how far it propagates) and a Class (whether it can be retried).
// Only configuration errors and exhausted infrastructure errors are meant
// to halt a run; everything else is recorded in the report.
package engine
