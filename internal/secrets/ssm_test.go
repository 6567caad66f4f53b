package secrets

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/require"
)

type fakeSSM struct {
	out    *ssm.GetParameterOutput
	err    error
	lastIn *ssm.GetParameterInput
}

func (f *fakeSSM) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.lastIn = in
	return f.out, f.err
}

func TestNewRejectsNilAPI(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
}

func TestGetParameterRequestsDecryption(t *testing.T) {
	api := &fakeSSM{out: &ssm.GetParameterOutput{Parameter: &types.Parameter{Value: aws.String("s3cr3t")}}}
	c, err := New(api)
	require.NoError(t, err)

	value, err := c.GetParameter(context.Background(), " /effisend/juno/secret ")
	require.NoError(t, err)
	require.Equal(t, "s3cr3t", value)
	require.Equal(t, "/effisend/juno/secret", aws.ToString(api.lastIn.Name))
	require.True(t, aws.ToBool(api.lastIn.WithDecryption))
}

func TestGetParameterErrors(t *testing.T) {
	c, err := New(&fakeSSM{err: errors.New("throttled")})
	require.NoError(t, err)
	_, err = c.GetParameter(context.Background(), "/x")
	require.ErrorContains(t, err, "throttled")

	_, err = c.GetParameter(context.Background(), "  ")
	require.Error(t, err)

	c, err = New(&fakeSSM{out: &ssm.GetParameterOutput{}})
	require.NoError(t, err)
	_, err = c.GetParameter(context.Background(), "/x")
	require.Error(t, err)
}
