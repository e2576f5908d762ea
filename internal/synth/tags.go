package synth

import (
	"github.com/awslabs/goformation/v7/cloudformation/tags"
)

const (
	// 'Name' is well-known within AWS itself, the rest are labstack's own
	// keys and are used to find everything a stack created.
	tagKeyName    = "Name"
	tagKeyProject = "Project"
	tagKeyStack   = "labstack:stack"

	tagDefaultProject = "labstack"
)

// tagsWithDefaults produces the tags for one resource: a Name tag built from
// the stack and logical id, followed by the defaults.
func (s *synthesizer) tagsWithDefaults(logicalID string, withTags ...tags.Tag) []tags.Tag {
	out := make([]tags.Tag, 0, len(withTags)+3)
	out = append(out, tags.Tag{Key: tagKeyName, Value: s.stackName + "/" + logicalID})
	out = append(out, withTags...)
	return append(out, s.tagsDefault()...)
}

// tagsDefault produces the key-value pairs associated with every resource.
func (s *synthesizer) tagsDefault() []tags.Tag {
	return []tags.Tag{
		{Key: tagKeyProject, Value: tagDefaultProject},
		{Key: tagKeyStack, Value: s.stackName},
	}
}
