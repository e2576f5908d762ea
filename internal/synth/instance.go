package synth

import (
	"encoding/base64"
	"fmt"
	"path"
	"strings"

	"github.com/awslabs/goformation/v7/cloudformation"
	"github.com/awslabs/goformation/v7/cloudformation/ec2"
	"github.com/awslabs/goformation/v7/cloudformation/tags"
	"github.com/chainguard-dev/labstack/internal/graph"
	"github.com/kballard/go-shellquote"
)

func (s *synthesizer) instance(inst *graph.Instance) {
	res := &ec2.Instance{
		ImageId:            cloudformation.String(cloudformation.Ref(ParamImageID)),
		InstanceType:       cloudformation.String(string(inst.InstanceType)),
		IamInstanceProfile: cloudformation.String(cloudformation.Ref(inst.Identity.ProfileLogicalID)),
		SubnetId:           cloudformation.String(inst.Subnet.ID),
		SecurityGroupIds:   []string{cloudformation.GetAtt(inst.RuleSet.LogicalID, "GroupId")},
		UserData:           cloudformation.String(base64.StdEncoding.EncodeToString([]byte(UserData(inst.Boot, s.bucket)))),
		Tags: s.tagsWithDefaults(inst.LogicalID,
			tags.Tag{Key: "labstack:subnet", Value: inst.Subnet.ID},
		),
	}
	if inst.Subnet.AvailabilityZone != "" {
		res.AvailabilityZone = cloudformation.String(inst.Subnet.AvailabilityZone)
	}
	if deps := s.dependsOn(inst.LogicalID); len(deps) > 0 {
		res.AWSCloudFormationDependsOn = deps
	}
	s.t.Resources[inst.LogicalID] = res
}

// UserData renders boot actions as the first-boot shell script, fetching
// artifacts from bucket.
func UserData(actions []graph.BootAction, bucket string) string {
	lines := []string{"#!/bin/bash"}
	for _, a := range actions {
		switch a.Kind {
		case graph.BootDownload:
			lines = append(lines,
				shellquote.Join("mkdir", "-p", path.Dir(a.Path)),
				shellquote.Join("aws", "s3", "cp", fmt.Sprintf("s3://%s/%s", bucket, a.Artifact.Key), a.Path),
			)
		case graph.BootExecute:
			lines = append(lines,
				"set -e",
				shellquote.Join("chmod", "+x", a.Path),
				shellquote.Join(a.Path),
			)
		}
	}
	return strings.Join(lines, "\n") + "\n"
}
