package synth

import (
	"github.com/awslabs/goformation/v7/cloudformation"
	"github.com/awslabs/goformation/v7/cloudformation/iam"
	"github.com/chainguard-dev/labstack/internal/graph"
)

const (
	// AWS IAM policy document values.
	iamPolicyVersion    = "2012-10-17"
	iamEffectAllow      = "Allow"
	stsActionAssumeRole = "sts:AssumeRole"
)

// policyDocument is an IAM policy with a single statement list.
type policyDocument struct {
	Version   string
	Statement []policyStatement
}

type policyStatement struct {
	Effect    string
	Principal map[string]any `json:",omitempty"`
	Action    any
	Resource  any `json:",omitempty"`
}

// identity emits the role and the instance profile that carries it.
func (s *synthesizer) identity(id *graph.Identity) {
	arns := make([]string, 0, len(id.ManagedPolicies))
	for _, p := range id.ManagedPolicies {
		arns = append(arns, cloudformation.Sub("arn:${AWS::Partition}:iam::aws:policy/"+p))
	}

	s.t.Resources[id.LogicalID] = &iam.Role{
		AssumeRolePolicyDocument: policyDocument{
			Version: iamPolicyVersion,
			Statement: []policyStatement{{
				Effect:    iamEffectAllow,
				Principal: map[string]any{"Service": id.TrustedService},
				Action:    stsActionAssumeRole,
			}},
		},
		ManagedPolicyArns: arns,
		Tags:              s.tagsWithDefaults(id.LogicalID),
	}
	s.t.Resources[id.ProfileLogicalID] = &iam.InstanceProfile{
		Roles: []string{cloudformation.Ref(id.LogicalID)},
	}
}

// readGrants emits one policy per grant on the artifact, scoped to the asset
// bucket and the artifact's object key.
func (s *synthesizer) readGrants(a *graph.Artifact) {
	bucket := cloudformation.Sub("arn:${AWS::Partition}:s3:::" + s.bucket)
	object := cloudformation.Sub("arn:${AWS::Partition}:s3:::" + s.bucket + "/" + a.Key)

	for _, grant := range a.Grants {
		s.t.Resources[grant.LogicalID] = &iam.Policy{
			PolicyName: grant.LogicalID,
			Roles:      []string{cloudformation.Ref(grant.Identity.LogicalID)},
			PolicyDocument: policyDocument{
				Version: iamPolicyVersion,
				Statement: []policyStatement{{
					Effect:   iamEffectAllow,
					Action:   grant.Actions,
					Resource: []string{bucket, object},
				}},
			},
		}
	}
}
