package synth

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/chainguard-dev/labstack/internal/config"
	"github.com/chainguard-dev/labstack/internal/graph"
	"github.com/chainguard-dev/labstack/internal/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const testBucket = "labstack-assets-test"

func testGraph(t *testing.T, public int, cfg *config.Config) *graph.Graph {
	t.Helper()
	n := network.New("vpc-0123").
		With(graph.SubnetIsolated,
			graph.Subnet{ID: "subnet-iso0", AvailabilityZone: "us-west-2a", CIDR: "10.0.100.0/24"},
			graph.Subnet{ID: "subnet-iso1", AvailabilityZone: "us-west-2b", CIDR: "10.0.101.0/24"},
		)
	for i := range public {
		n.With(graph.SubnetPublic, graph.Subnet{
			ID:               fmt.Sprintf("subnet-pub%d", i),
			AvailabilityZone: fmt.Sprintf("us-west-2%c", 'a'+i),
			CIDR:             fmt.Sprintf("10.0.%d.0/24", i),
		})
	}
	g, err := graph.NewBuilder(cfg).Build(t.Context(), n)
	require.NoError(t, err)
	return g
}

// rendered synthesizes g and decodes the JSON template into plain maps.
func rendered(t *testing.T, g *graph.Graph) map[string]any {
	t.Helper()
	tmpl, err := Synthesize(t.Context(), g, Options{StackName: "lab", AssetBucket: testBucket})
	require.NoError(t, err)

	out, err := Render(tmpl, FormatJSON)
	require.NoError(t, err)

	doc := map[string]any{}
	require.NoError(t, json.Unmarshal(out, &doc))
	return doc
}

func resource(t *testing.T, doc map[string]any, id string) map[string]any {
	t.Helper()
	resources, ok := doc["Resources"].(map[string]any)
	require.True(t, ok, "template has no resources")
	r, ok := resources[id].(map[string]any)
	require.True(t, ok, "template has no resource %s", id)
	return r
}

func properties(t *testing.T, doc map[string]any, id string) map[string]any {
	t.Helper()
	props, ok := resource(t, doc, id)["Properties"].(map[string]any)
	require.True(t, ok, "resource %s has no properties", id)
	return props
}

func TestSynthesizeResources(t *testing.T) {
	doc := rendered(t, testGraph(t, 2, nil))

	resources := doc["Resources"].(map[string]any)
	types := map[string]string{}
	for id, r := range resources {
		types[id] = r.(map[string]any)["Type"].(string)
	}
	assert.Equal(t, map[string]string{
		graph.IdentityID:        "AWS::IAM::Role",
		graph.InstanceProfileID: "AWS::IAM::InstanceProfile",
		graph.ReadGrantID:       "AWS::IAM::Policy",
		graph.WebRuleSetID:      "AWS::EC2::SecurityGroup",
		"WebInstance1":          "AWS::EC2::Instance",
		"WebInstance2":          "AWS::EC2::Instance",
		graph.DatabaseRuleSetID: "AWS::EC2::SecurityGroup",
		graph.DatabaseSubnetsID: "AWS::RDS::DBSubnetGroup",
		graph.DatabaseSecretID:  "AWS::SecretsManager::Secret",
		graph.DatabaseID:        "AWS::RDS::DBInstance",
		secretAttachmentID:      "AWS::SecretsManager::SecretTargetAttachment",
	}, types)
}

func TestSynthesizeWebRuleSet(t *testing.T) {
	doc := rendered(t, testGraph(t, 1, nil))
	props := properties(t, doc, graph.WebRuleSetID)

	assert.Equal(t, "vpc-0123", props["VpcId"])
	ingress := props["SecurityGroupIngress"].([]any)
	require.Len(t, ingress, 1)
	rule := ingress[0].(map[string]any)
	assert.Equal(t, "tcp", rule["IpProtocol"])
	assert.EqualValues(t, 80, rule["FromPort"])
	assert.EqualValues(t, 80, rule["ToPort"])
	assert.Equal(t, "0.0.0.0/0", rule["CidrIp"])

	egress := props["SecurityGroupEgress"].([]any)
	require.Len(t, egress, 1)
	assert.Equal(t, "-1", egress[0].(map[string]any)["IpProtocol"])
	assert.Equal(t, "0.0.0.0/0", egress[0].(map[string]any)["CidrIp"])
}

func TestSynthesizeDatabaseRuleSet(t *testing.T) {
	doc := rendered(t, testGraph(t, 1, nil))
	props := properties(t, doc, graph.DatabaseRuleSetID)

	ingress := props["SecurityGroupIngress"].([]any)
	require.Len(t, ingress, 1)
	rule := ingress[0].(map[string]any)
	assert.Equal(t, "tcp", rule["IpProtocol"])
	assert.EqualValues(t, 3306, rule["FromPort"])
	assert.NotContains(t, rule, "CidrIp", "database ingress is never an address range")
	assert.Equal(t, map[string]any{"Fn::GetAtt": []any{graph.WebRuleSetID, "GroupId"}}, rule["SourceSecurityGroupId"])
}

func TestSynthesizeInstances(t *testing.T) {
	g := testGraph(t, 3, nil)
	doc := rendered(t, g)

	for i, inst := range g.Instances {
		r := resource(t, doc, inst.LogicalID)
		props := r["Properties"].(map[string]any)

		assert.Equal(t, fmt.Sprintf("subnet-pub%d", i), props["SubnetId"])
		assert.Equal(t, "t3.micro", props["InstanceType"])
		assert.Equal(t, map[string]any{"Ref": ParamImageID}, props["ImageId"])
		assert.Equal(t, map[string]any{"Ref": graph.InstanceProfileID}, props["IamInstanceProfile"])
		assert.Equal(t, []any{map[string]any{"Fn::GetAtt": []any{graph.WebRuleSetID, "GroupId"}}}, props["SecurityGroupIds"])
		assert.Equal(t, []any{graph.IdentityID, graph.ReadGrantID, graph.WebRuleSetID}, r["DependsOn"])

		raw, err := base64.StdEncoding.DecodeString(props["UserData"].(string))
		require.NoError(t, err)
		assert.Equal(t, UserData(inst.Boot, testBucket), string(raw))
	}
}

func TestUserData(t *testing.T) {
	g := testGraph(t, 1, nil)
	key := g.Artifact.Key

	got := UserData(g.Instances[0].Boot, testBucket)
	assert.Equal(t, strings.Join([]string{
		"#!/bin/bash",
		"mkdir -p /tmp",
		"aws s3 cp s3://" + testBucket + "/" + key + " /tmp/" + key,
		"set -e",
		"chmod +x /tmp/" + key,
		"/tmp/" + key,
	}, "\n")+"\n", got)
}

func TestSynthesizeReadGrant(t *testing.T) {
	g := testGraph(t, 2, nil)
	doc := rendered(t, g)
	props := properties(t, doc, graph.ReadGrantID)

	assert.Equal(t, []any{map[string]any{"Ref": graph.IdentityID}}, props["Roles"])
	statements := props["PolicyDocument"].(map[string]any)["Statement"].([]any)
	require.Len(t, statements, 1)
	stmt := statements[0].(map[string]any)
	assert.Equal(t, "Allow", stmt["Effect"])
	assert.Equal(t, []any{"s3:GetObject*", "s3:GetBucket*", "s3:List*"}, stmt["Action"])
	assert.Equal(t, []any{
		map[string]any{"Fn::Sub": "arn:${AWS::Partition}:s3:::" + testBucket},
		map[string]any{"Fn::Sub": "arn:${AWS::Partition}:s3:::" + testBucket + "/" + g.Artifact.Key},
	}, stmt["Resource"])
}

func TestSynthesizeIdentity(t *testing.T) {
	doc := rendered(t, testGraph(t, 1, nil))
	props := properties(t, doc, graph.IdentityID)

	trust := props["AssumeRolePolicyDocument"].(map[string]any)
	stmt := trust["Statement"].([]any)[0].(map[string]any)
	assert.Equal(t, map[string]any{"Service": "ec2.amazonaws.com"}, stmt["Principal"])
	assert.Equal(t, "sts:AssumeRole", stmt["Action"])
	assert.Equal(t, []any{
		map[string]any{"Fn::Sub": "arn:${AWS::Partition}:iam::aws:policy/AmazonSSMManagedInstanceCore"},
	}, props["ManagedPolicyArns"])
}

func TestSynthesizeDatabase(t *testing.T) {
	tests := []struct {
		removal  string
		expected string
	}{
		{removal: "destroy", expected: "Delete"},
		{removal: "retain", expected: "Retain"},
		{removal: "snapshot", expected: "Snapshot"},
	}

	for _, tt := range tests {
		t.Run(tt.removal, func(t *testing.T) {
			cfg := config.Default()
			cfg.Database.RemovalPolicy = tt.removal
			doc := rendered(t, testGraph(t, 2, cfg))

			r := resource(t, doc, graph.DatabaseID)
			assert.Equal(t, tt.expected, r["DeletionPolicy"])
			assert.Equal(t, tt.expected, r["UpdateReplacePolicy"])
			assert.Equal(t, []any{graph.DatabaseSecretID, graph.DatabaseRuleSetID}, r["DependsOn"])

			props := r["Properties"].(map[string]any)
			assert.Equal(t, "mysql", props["Engine"])
			assert.Equal(t, "8.0.39", props["EngineVersion"])
			assert.Equal(t, "db.t3.micro", props["DBInstanceClass"])
			assert.Equal(t, "20", props["AllocatedStorage"])
			assert.Equal(t, "gp2", props["StorageType"])
			assert.Equal(t, "CdkLabDatabase", props["DBName"])
			assert.Equal(t, false, props["MultiAZ"])
			assert.Equal(t, false, props["PubliclyAccessible"])
			assert.Equal(t, map[string]any{"Ref": graph.DatabaseSubnetsID}, props["DBSubnetGroupName"])

			group := properties(t, doc, graph.DatabaseSubnetsID)
			assert.Equal(t, []any{"subnet-iso0", "subnet-iso1"}, group["SubnetIds"])
		})
	}
}

func TestSynthesizeSecret(t *testing.T) {
	doc := rendered(t, testGraph(t, 1, nil))
	props := properties(t, doc, graph.DatabaseSecretID)

	gen := props["GenerateSecretString"].(map[string]any)
	assert.Equal(t, `{"username":"admin"}`, gen["SecretStringTemplate"])
	assert.Equal(t, "password", gen["GenerateStringKey"])
	assert.EqualValues(t, 30, gen["PasswordLength"])
	assert.Equal(t, true, gen["ExcludePunctuation"])

	attachment := properties(t, doc, secretAttachmentID)
	assert.Equal(t, map[string]any{"Ref": graph.DatabaseSecretID}, attachment["SecretId"])
	assert.Equal(t, map[string]any{"Ref": graph.DatabaseID}, attachment["TargetId"])
	assert.Equal(t, "AWS::RDS::DBInstance", attachment["TargetType"])
}

func TestSynthesizeSecretTemplateEscapes(t *testing.T) {
	cfg := config.Default()
	cfg.Database.Username = `lab"ops\`
	doc := rendered(t, testGraph(t, 1, cfg))
	gen := properties(t, doc, graph.DatabaseSecretID)["GenerateSecretString"].(map[string]any)

	tmpl := map[string]string{}
	require.NoError(t, json.Unmarshal([]byte(gen["SecretStringTemplate"].(string)), &tmpl))
	assert.Equal(t, map[string]string{"username": `lab"ops\`}, tmpl)
}

func TestSynthesizeParametersAndOutputs(t *testing.T) {
	doc := rendered(t, testGraph(t, 2, nil))

	params := doc["Parameters"].(map[string]any)
	image := params[ParamImageID].(map[string]any)
	assert.Equal(t, imageParameterType, image["Type"])
	assert.Equal(t, "/aws/service/ami-amazon-linux-latest/amzn2-ami-hvm-x86_64-gp2", image["Default"])

	outputs := doc["Outputs"].(map[string]any)
	assert.Len(t, outputs, 4)
	assert.Contains(t, outputs, InstanceOutput("WebInstance1"))
	assert.Contains(t, outputs, InstanceOutput("WebInstance2"))
	assert.Contains(t, outputs, OutputDatabaseEndpoint)
	assert.Contains(t, outputs, OutputDatabaseSecretArn)
}

func TestSynthesizeTags(t *testing.T) {
	doc := rendered(t, testGraph(t, 1, nil))
	props := properties(t, doc, "WebInstance1")

	tags := map[string]string{}
	for _, tag := range props["Tags"].([]any) {
		kv := tag.(map[string]any)
		tags[kv["Key"].(string)] = kv["Value"].(string)
	}
	assert.Equal(t, map[string]string{
		tagKeyName:        "lab/WebInstance1",
		tagKeyProject:     tagDefaultProject,
		tagKeyStack:       "lab",
		"labstack:subnet": "subnet-pub0",
	}, tags)
}

func TestSynthesizeErrors(t *testing.T) {
	_, err := Synthesize(t.Context(), nil, Options{AssetBucket: testBucket})
	require.ErrorIs(t, err, ErrNilGraph)

	_, err = Synthesize(t.Context(), testGraph(t, 1, nil), Options{})
	require.ErrorIs(t, err, ErrNoBucket)

	cyclic := testGraph(t, 1, nil)
	cyclic.Edges = append(cyclic.Edges, graph.Edge{From: graph.IdentityID, To: "WebInstance1"})
	_, err = Synthesize(t.Context(), cyclic, Options{AssetBucket: testBucket})
	require.ErrorIs(t, err, graph.ErrDependencyCycle)
}

func TestRender(t *testing.T) {
	tmpl, err := Synthesize(t.Context(), testGraph(t, 1, nil), Options{StackName: "lab", AssetBucket: testBucket})
	require.NoError(t, err)

	out, err := Render(tmpl, FormatYAML)
	require.NoError(t, err)
	doc := map[string]any{}
	require.NoError(t, yaml.Unmarshal(out, &doc))
	assert.Contains(t, doc, "Resources")

	_, err = Render(tmpl, Format("toml"))
	require.ErrorIs(t, err, ErrFormat)
}
