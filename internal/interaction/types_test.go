package interaction

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnswerAcceptsStringOrSet(t *testing.T) {
	var single Answer
	require.NoError(t, json.Unmarshal([]byte(`"pick me"`), &single))
	assert.False(t, single.Multi)
	assert.Equal(t, "pick me", single.Value)

	var multi Answer
	require.NoError(t, json.Unmarshal([]byte(`["a","b"]`), &multi))
	assert.True(t, multi.Multi)
	assert.Equal(t, []string{"a", "b"}, multi.Values)

	out, err := json.Marshal(Answer{Multi: true, Values: []string{"x"}})
	require.NoError(t, err)
	assert.JSONEq(t, `["x"]`, string(out))
}

func TestPermissionResponseValidate(t *testing.T) {
	assert.NoError(t, (&PermissionResponse{Decision: DecisionAllowSession}).Validate())

	err := (&PermissionResponse{Decision: DecisionModify}).Validate()
	assert.True(t, IsCode(err, CodeSchema), "modify without updatedInput must fail")

	assert.NoError(t, (&PermissionResponse{
		Decision:     DecisionModify,
		UpdatedInput: map[string]interface{}{"cmd": "ls"},
	}).Validate())

	err = (&PermissionResponse{Decision: "maybe"}).Validate()
	assert.True(t, IsCode(err, CodeSchema))
}

func TestPlanApprovalResponseValidate(t *testing.T) {
	for _, mode := range []string{ModeDefault, ModeAcceptEdits, ModeBypassPermissions, ModeReject} {
		assert.NoError(t, (&PlanApprovalResponse{PermissionMode: mode}).Validate())
	}
	err := (&PlanApprovalResponse{PermissionMode: "yolo"}).Validate()
	assert.True(t, IsCode(err, CodeSchema))
}

func TestAskUserPayloadValidate(t *testing.T) {
	err := (&AskUserPayload{}).Validate()
	assert.True(t, IsCode(err, CodeSchema))

	err = (&AskUserPayload{Questions: []AskUserQuestion{{Question: ""}}}).Validate()
	assert.True(t, IsCode(err, CodeSchema))

	assert.NoError(t, (&AskUserPayload{Questions: []AskUserQuestion{
		{Question: "proceed?", Options: []AskUserOption{{Label: "yes"}, {Label: "no"}}},
	}}).Validate())
}

func TestDecodeResponseUnknownKind(t *testing.T) {
	_, err := DecodeResponse(Kind("mystery"), []byte(`{}`))
	assert.True(t, IsCode(err, CodeSchema))
}

func TestCodeOfForeignError(t *testing.T) {
	assert.Equal(t, CodeInternal, CodeOf(assert.AnError))
	assert.Equal(t, CodeTimeout, CodeOf(NewError(CodeTimeout, "late")))
}
