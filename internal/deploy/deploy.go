// Package deploy hands a synthesized template to CloudFormation, the
// provisioning engine that creates, updates and deletes the resources.
//
// Side effects the engine does not own, such as the published bootstrap
// asset, are recorded on a Stack and undone once the engine has let go of a
// failed deploy.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	cfntypes "github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/aws/smithy-go"
	"github.com/chainguard-dev/clog"
	"github.com/chainguard-dev/labstack/internal/asset"
	"github.com/chainguard-dev/labstack/internal/graph"
	"github.com/chainguard-dev/labstack/internal/o11y"
	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const defaultWaitTimeout = 45 * time.Minute

// CloudFormationAPI is the subset of the CloudFormation client used here.
type CloudFormationAPI interface {
	cloudformation.DescribeStacksAPIClient
	CreateStack(ctx context.Context, params *cloudformation.CreateStackInput, optFns ...func(*cloudformation.Options)) (*cloudformation.CreateStackOutput, error)
	UpdateStack(ctx context.Context, params *cloudformation.UpdateStackInput, optFns ...func(*cloudformation.Options)) (*cloudformation.UpdateStackOutput, error)
	DeleteStack(ctx context.Context, params *cloudformation.DeleteStackInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DeleteStackOutput, error)
}

var (
	errStackDescribe = errors.New("failed to describe stack")
	errStackCreate   = errors.New("failed to create stack")
	errStackUpdate   = errors.New("failed to update stack")
	errStackDelete   = errors.New("failed to delete stack")
	errStackWait     = errors.New("stack did not reach the expected state")
	errAssetPublish  = errors.New("failed to publish bootstrap asset")

	ErrNoTemplate    = errors.New("no template to deploy")
	ErrAssetMismatch = errors.New("asset does not match the graph's artifact")
	ErrStackFailed   = errors.New("stack is in a failed state and must be destroyed first")
)

// Deployer drives one named stack.
type Deployer struct {
	cfn       CloudFormationAPI
	preflight *Preflight
	publisher *asset.Publisher
	stackName string

	// WaitTimeout bounds each wait on the engine.
	WaitTimeout time.Duration
}

// New returns a Deployer for stackName. The name is normalized into a valid
// stack name. preflight and publisher may be nil for Destroy and Outputs.
func New(cfn CloudFormationAPI, preflight *Preflight, publisher *asset.Publisher, stackName string) *Deployer {
	return &Deployer{
		cfn:         cfn,
		preflight:   preflight,
		publisher:   publisher,
		stackName:   StackName(stackName),
		WaitTimeout: defaultWaitTimeout,
	}
}

// StackName normalizes name into the engine's stack name alphabet.
func StackName(name string) string {
	s := slug.Make(name)
	if s == "" {
		return "labstack"
	}
	return s
}

// Name returns the normalized stack name.
func (d *Deployer) Name() string {
	return d.stackName
}

// Plan is everything a deploy needs.
type Plan struct {
	Graph    *graph.Graph
	Asset    *asset.Asset
	Template []byte
}

// Result describes a finished deploy.
type Result struct {
	StackID string

	// Changed is false when the engine had nothing to do.
	Changed bool

	// AssetUploaded is true when the asset was not published before.
	AssetUploaded bool

	Outputs map[string]string
}

func tracer() trace.Tracer {
	return otel.Tracer("github.com/chainguard-dev/labstack/internal/deploy")
}

// Deploy checks the plan against the account, publishes the asset and
// creates or updates the stack, waiting for the engine to settle. A newly
// published asset is removed again only once the engine can no longer
// reference it.
func (d *Deployer) Deploy(ctx context.Context, p Plan) (res *Result, err error) {
	ctx, span := tracer().Start(ctx, "deploy.Deploy", trace.WithAttributes(
		attribute.String(o11y.AttrStack, d.stackName),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	ctx = clog.WithLogger(ctx, clog.FromContext(ctx).With(o11y.AttrStack, d.stackName))
	log := clog.FromContext(ctx)

	if len(p.Template) == 0 {
		return nil, ErrNoTemplate
	}
	if p.Graph == nil || p.Graph.Artifact == nil || p.Asset == nil || p.Asset.Key() != p.Graph.Artifact.Key {
		return nil, ErrAssetMismatch
	}

	if d.preflight != nil {
		if err := d.preflight.Check(ctx, p.Graph); err != nil {
			return nil, err
		}
	}

	existing, err := d.describe(ctx)
	if err != nil {
		return nil, err
	}
	if existing != nil && refusesUpdate(existing.StackStatus) {
		return nil, fmt.Errorf("%w: %s is %s", ErrStackFailed, d.stackName, existing.StackStatus)
	}

	rollback := new(Stack)
	defer func() {
		if err == nil || rollback.Len() == 0 {
			return
		}
		ctx := context.WithoutCancel(ctx)
		if !d.released(ctx, err) {
			log.Warn("stack may still reference the published asset, keeping it", "key", p.Asset.Key())
			return
		}
		if rerr := rollback.Destroy(ctx); rerr != nil {
			err = errors.Join(err, rerr)
		}
	}()

	res = &Result{}
	uploaded, err := d.publisher.Publish(ctx, p.Asset)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errAssetPublish, err)
	}
	if uploaded {
		res.AssetUploaded = true
		rollback.Push("delete published asset", func(ctx context.Context) error {
			return d.publisher.Delete(ctx, p.Asset)
		})
	}

	if existing == nil {
		res.StackID, err = d.create(ctx, p.Template)
		res.Changed = true
	} else {
		res.StackID = aws.ToString(existing.StackId)
		res.Changed, err = d.update(ctx, p.Template)
	}
	if err != nil {
		return nil, err
	}

	res.Outputs, err = d.Outputs(ctx)
	if err != nil {
		return nil, err
	}

	log.Info("deploy complete", "stack_id", res.StackID, "changed", res.Changed, "outputs", len(res.Outputs))
	return res, nil
}

// released reports whether the engine is done with the template a failed
// deploy handed it. A rejected create or update never referenced the asset.
// After a failed wait the stack is described once more: only a missing stack
// or one that settled in a failed or rolled back state has let go of it.
func (d *Deployer) released(ctx context.Context, err error) bool {
	switch {
	case errors.Is(err, errStackCreate), errors.Is(err, errStackUpdate):
		return true
	case errors.Is(err, errStackWait):
		st, derr := d.describe(ctx)
		if derr != nil {
			clog.FromContext(ctx).Warn("could not settle stack state after a failed wait", "error", derr)
			return false
		}
		return st == nil || settledFailed(st.StackStatus)
	}
	return false
}

// refusesUpdate is true for states the engine will not update from.
func refusesUpdate(s cfntypes.StackStatus) bool {
	switch s {
	case cfntypes.StackStatusRollbackComplete,
		cfntypes.StackStatusRollbackFailed,
		cfntypes.StackStatusDeleteFailed:
		return true
	}
	return false
}

// settledFailed is true for terminal states in which no resource of the
// attempted template is still being created or updated.
func settledFailed(s cfntypes.StackStatus) bool {
	return refusesUpdate(s) || s == cfntypes.StackStatusUpdateRollbackComplete
}

func (d *Deployer) create(ctx context.Context, body []byte) (string, error) {
	log := clog.FromContext(ctx)

	log.Info("creating stack")
	out, err := d.cfn.CreateStack(ctx, &cloudformation.CreateStackInput{
		StackName:          aws.String(d.stackName),
		TemplateBody:       aws.String(string(body)),
		Capabilities:       []cfntypes.Capability{cfntypes.CapabilityCapabilityIam},
		ClientRequestToken: aws.String(uuid.NewString()),
		OnFailure:          cfntypes.OnFailureDelete,
		Tags:               d.tags(),
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", errStackCreate, err)
	}

	w := cloudformation.NewStackCreateCompleteWaiter(d.cfn)
	if err := w.Wait(ctx, &cloudformation.DescribeStacksInput{StackName: out.StackId}, d.WaitTimeout); err != nil {
		return "", fmt.Errorf("%w: %w", errStackWait, err)
	}

	log.Info("created stack", "stack_id", aws.ToString(out.StackId))
	return aws.ToString(out.StackId), nil
}

// update reports false when the template matches what is deployed.
func (d *Deployer) update(ctx context.Context, body []byte) (bool, error) {
	log := clog.FromContext(ctx)

	log.Info("updating stack")
	_, err := d.cfn.UpdateStack(ctx, &cloudformation.UpdateStackInput{
		StackName:          aws.String(d.stackName),
		TemplateBody:       aws.String(string(body)),
		Capabilities:       []cfntypes.Capability{cfntypes.CapabilityCapabilityIam},
		ClientRequestToken: aws.String(uuid.NewString()),
		Tags:               d.tags(),
	})
	if isNoUpdates(err) {
		log.Info("stack is up to date")
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %w", errStackUpdate, err)
	}

	w := cloudformation.NewStackUpdateCompleteWaiter(d.cfn)
	if err := w.Wait(ctx, &cloudformation.DescribeStacksInput{StackName: aws.String(d.stackName)}, d.WaitTimeout); err != nil {
		return false, fmt.Errorf("%w: %w", errStackWait, err)
	}

	log.Info("updated stack")
	return true, nil
}

// Destroy deletes the stack and waits for the engine to finish. A stack
// that does not exist is already destroyed.
func (d *Deployer) Destroy(ctx context.Context) (err error) {
	ctx, span := tracer().Start(ctx, "deploy.Destroy", trace.WithAttributes(
		attribute.String(o11y.AttrStack, d.stackName),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	log := clog.FromContext(ctx).With(o11y.AttrStack, d.stackName)

	existing, err := d.describe(ctx)
	if err != nil {
		return err
	}
	if existing == nil {
		log.Info("stack does not exist, nothing to destroy")
		return nil
	}

	log.Info("deleting stack", "stack_id", aws.ToString(existing.StackId))
	if _, err := d.cfn.DeleteStack(ctx, &cloudformation.DeleteStackInput{
		StackName:          existing.StackId,
		ClientRequestToken: aws.String(uuid.NewString()),
	}); err != nil {
		return fmt.Errorf("%w: %w", errStackDelete, err)
	}

	w := cloudformation.NewStackDeleteCompleteWaiter(d.cfn)
	if err := w.Wait(ctx, &cloudformation.DescribeStacksInput{StackName: existing.StackId}, d.WaitTimeout); err != nil {
		return fmt.Errorf("%w: %w", errStackWait, err)
	}

	log.Info("deleted stack")
	return nil
}

// Outputs returns the stack outputs by name.
func (d *Deployer) Outputs(ctx context.Context) (map[string]string, error) {
	existing, err := d.describe(ctx)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, fmt.Errorf("%w: %s does not exist", errStackDescribe, d.stackName)
	}

	out := make(map[string]string, len(existing.Outputs))
	for _, o := range existing.Outputs {
		out[aws.ToString(o.OutputKey)] = aws.ToString(o.OutputValue)
	}
	return out, nil
}

// describe returns nil without error when the stack does not exist.
func (d *Deployer) describe(ctx context.Context) (*cfntypes.Stack, error) {
	out, err := d.cfn.DescribeStacks(ctx, &cloudformation.DescribeStacksInput{
		StackName: aws.String(d.stackName),
	})
	if isStackMissing(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errStackDescribe, err)
	}
	for i := range out.Stacks {
		if out.Stacks[i].StackStatus != cfntypes.StackStatusDeleteComplete {
			return &out.Stacks[i], nil
		}
	}
	return nil, nil
}

func (d *Deployer) tags() []cfntypes.Tag {
	return []cfntypes.Tag{
		{Key: aws.String("Project"), Value: aws.String("labstack")},
		{Key: aws.String("labstack:stack"), Value: aws.String(d.stackName)},
	}
}

// The engine reports both of these as a generic ValidationError, the message
// is the only distinguishing detail.
func isStackMissing(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "ValidationError" &&
		strings.Contains(apiErr.ErrorMessage(), "does not exist")
}

func isNoUpdates(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "ValidationError" &&
		strings.Contains(apiErr.ErrorMessage(), "No updates are to be performed")
}
