package catalog

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/dreamware/inferout/internal/cluster"
)

// Key segment formats. The {<model>} slot segment keeps a model's versions
// and instances in one Redis Cluster hash slot.
const (
	namespaceSegment = "{@namespace-%s}"
	modelSegment     = "{@model-%s}"
	versionSegment   = "@model_version-"
	instanceSegment  = "@model_instance-"
)

var (
	namespaceKeyPattern = regexp.MustCompile(`\{@namespace-(.*)\}$`)
	modelKeyPattern     = regexp.MustCompile(`\{@model-(.*)\}$`)
	versionKeyPattern   = regexp.MustCompile(`@model_version-(.*)$`)
	instanceKeyPattern  = regexp.MustCompile(`@model_instance-(.*)$`)
	workerKeyPattern    = regexp.MustCompile(`\{@worker-(.*)\}$`)
)

func modelSlot(modelID string) string { return "{" + modelID + "}" }

func (s *Store) namespaceKey(id string) string {
	return s.cluster.Key(fmt.Sprintf(namespaceSegment, id))
}

func (s *Store) modelKey(nsID, modelID string) string {
	return s.cluster.Key(nsID, fmt.Sprintf(modelSegment, modelID))
}

func (s *Store) versionKey(nsID, modelID string, version int) string {
	return s.cluster.Key(nsID, modelSlot(modelID), versionSegment+strconv.Itoa(version))
}

func (s *Store) instanceKey(nsID, modelID string, version int, id string) string {
	return s.cluster.Key(nsID, modelSlot(modelID), strconv.Itoa(version), instanceSegment+id)
}

// WorkerKey returns the heartbeat key of a worker.
func (s *Store) WorkerKey(id string) string {
	return s.cluster.Key(cluster.WorkerSegment(id))
}

// InstanceKey returns the Redis key of an instance record. It is the
// identity a worker uses for its local instance table.
func (s *Store) InstanceKey(inst *Instance) string {
	return s.instanceKey(inst.NamespaceID, inst.ModelID, inst.ModelVersionID, inst.ID)
}

func matchID(re *regexp.Regexp, key string) (string, bool) {
	m := re.FindStringSubmatch(key)
	if m == nil {
		return "", false
	}
	return m[1], true
}
