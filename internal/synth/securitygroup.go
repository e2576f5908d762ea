package synth

import (
	"github.com/awslabs/goformation/v7/cloudformation"
	"github.com/awslabs/goformation/v7/cloudformation/ec2"
	"github.com/chainguard-dev/labstack/internal/graph"
)

func (s *synthesizer) ruleSet(rs *graph.RuleSet) {
	sg := &ec2.SecurityGroup{
		GroupDescription: rs.Description,
		VpcId:            cloudformation.String(s.g.VPCID),
		Tags:             s.tagsWithDefaults(rs.LogicalID),
	}

	for _, r := range rs.Ingress {
		in := ec2.SecurityGroup_Ingress{
			IpProtocol:  string(r.Protocol),
			FromPort:    cloudformation.Int(int(r.Port)),
			ToPort:      cloudformation.Int(int(r.Port)),
			Description: cloudformation.String(r.Description),
		}
		if r.Source.IsRuleSet() {
			in.SourceSecurityGroupId = cloudformation.String(cloudformation.GetAtt(r.Source.RuleSet.LogicalID, "GroupId"))
		} else {
			in.CidrIp = cloudformation.String(r.Source.CIDR)
		}
		sg.SecurityGroupIngress = append(sg.SecurityGroupIngress, in)
	}

	if rs.AllowAllOutbound {
		sg.SecurityGroupEgress = []ec2.SecurityGroup_Egress{{
			IpProtocol:  string(graph.ProtocolAll),
			CidrIp:      cloudformation.String(graph.AnyIPv4),
			Description: cloudformation.String("Allow all outbound traffic by default"),
		}}
	}

	if deps := s.dependsOn(rs.LogicalID); len(deps) > 0 {
		sg.AWSCloudFormationDependsOn = deps
	}
	s.t.Resources[rs.LogicalID] = sg
}
