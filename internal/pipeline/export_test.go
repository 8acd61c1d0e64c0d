package pipeline

// SetAfterPhases installs a hook that runs after Redeploy commits and before
// the pipeline is completed.
func SetAfterPhases(e *Engine, fn func()) { e.afterPhases = fn }
