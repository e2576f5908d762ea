package synth

import (
	"fmt"
	"strconv"

	"github.com/awslabs/goformation/v7/cloudformation"
	"github.com/awslabs/goformation/v7/cloudformation/policies"
	"github.com/awslabs/goformation/v7/cloudformation/rds"
	"github.com/awslabs/goformation/v7/cloudformation/secretsmanager"
	"github.com/chainguard-dev/labstack/internal/graph"
)

const (
	secretPasswordKey    = "password"
	secretPasswordLength = 30
	secretAttachmentID   = "DatabaseSecretAttachment"
	secretTargetType     = "AWS::RDS::DBInstance"
)

// secret emits generated credentials: a JSON document holding the username,
// with the password generated under secretPasswordKey.
func (s *synthesizer) secret(sec *graph.Secret) {
	s.t.Resources[sec.LogicalID] = &secretsmanager.Secret{
		Description: cloudformation.String(fmt.Sprintf("Generated credentials for %s", s.stackName)),
		GenerateSecretString: &secretsmanager.Secret_GenerateSecretString{
			SecretStringTemplate: cloudformation.String(fmt.Sprintf("{%q:%q}", "username", sec.Username)),
			GenerateStringKey:    cloudformation.String(secretPasswordKey),
			PasswordLength:       cloudformation.Int(secretPasswordLength),
			ExcludePunctuation:   cloudformation.Bool(true),
		},
		Tags:                           s.tagsWithDefaults(sec.LogicalID),
		AWSCloudFormationDeletionPolicy: policies.DeletionPolicy("Delete"),
	}
}

// database emits the subnet group, the instance and the attachment that
// records the instance's endpoint on the secret.
func (s *synthesizer) database(db *graph.Database) {
	subnets := make([]string, 0, len(db.Subnets))
	for _, sn := range db.Subnets {
		subnets = append(subnets, sn.ID)
	}
	s.t.Resources[db.SubnetGroupLogicalID] = &rds.DBSubnetGroup{
		DBSubnetGroupDescription: fmt.Sprintf("Isolated subnets for %s", db.LogicalID),
		SubnetIds:                subnets,
		Tags:                     s.tagsWithDefaults(db.SubnetGroupLogicalID),
	}

	secretRef := "{{resolve:secretsmanager:${" + db.Credentials.LogicalID + "}:SecretString:%s}}"
	res := &rds.DBInstance{
		Engine:             cloudformation.String(db.Engine),
		EngineVersion:      cloudformation.String(db.EngineVersion),
		DBInstanceClass:    cloudformation.String(db.InstanceClass),
		AllocatedStorage:   cloudformation.String(strconv.Itoa(int(db.AllocatedStorage))),
		StorageType:        cloudformation.String(db.StorageType),
		DBName:             cloudformation.String(db.Name),
		Port:               cloudformation.String(strconv.Itoa(int(db.Port))),
		MultiAZ:            cloudformation.Bool(db.MultiAZ),
		PubliclyAccessible: cloudformation.Bool(db.PubliclyAccessible),
		DBSubnetGroupName:  cloudformation.String(cloudformation.Ref(db.SubnetGroupLogicalID)),
		VPCSecurityGroups:  []string{cloudformation.GetAtt(db.RuleSet.LogicalID, "GroupId")},
		MasterUsername:     cloudformation.String(cloudformation.Sub(fmt.Sprintf(secretRef, "username"))),
		MasterUserPassword: cloudformation.String(cloudformation.Sub(fmt.Sprintf(secretRef, secretPasswordKey))),
		Tags:               s.tagsWithDefaults(db.LogicalID),

		AWSCloudFormationDeletionPolicy:      deletionPolicy(db.RemovalPolicy),
		AWSCloudFormationUpdateReplacePolicy: policies.UpdateReplacePolicy(deletionPolicy(db.RemovalPolicy)),
	}
	if deps := s.dependsOn(db.LogicalID); len(deps) > 0 {
		res.AWSCloudFormationDependsOn = deps
	}
	s.t.Resources[db.LogicalID] = res

	s.t.Resources[secretAttachmentID] = &secretsmanager.SecretTargetAttachment{
		SecretId:   cloudformation.Ref(db.Credentials.LogicalID),
		TargetId:   cloudformation.Ref(db.LogicalID),
		TargetType: secretTargetType,
	}
}

// deletionPolicy maps a removal policy onto the engine's vocabulary.
// Anything unknown keeps the resource.
func deletionPolicy(p graph.RemovalPolicy) policies.DeletionPolicy {
	switch p {
	case graph.RemovalDestroy:
		return policies.DeletionPolicy("Delete")
	case graph.RemovalSnapshot:
		return policies.DeletionPolicy("Snapshot")
	default:
		return policies.DeletionPolicy("Retain")
	}
}
