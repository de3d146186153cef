package distributed

import "strings"

// WorkerSubjects names the two bus subjects a worker talks on. The
// coordinator publishes jobs on Inbound and reads results from Outbound.
type WorkerSubjects struct {
	Inbound  string
	Outbound string
}

func DefaultWorkerSubjects(prefix string, workerID string) WorkerSubjects {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "hacklily"
	}
	workerID = strings.TrimSpace(workerID)
	if workerID == "" {
		workerID = "default"
	}
	return WorkerSubjects{
		Inbound:  prefix + ".worker." + workerID + ".in",
		Outbound: prefix + ".worker." + workerID + ".out",
	}
}
