// Package dialer implements the Dialer (C7): it issues outbound
// originations and hangups to the switch's out-of-band control channel.
//
// Grounded in the teacher's callmanager.Manager.InitiateCall, but adapted:
// the teacher blocks inline in waitForAnswer polling call.Status() before
// returning, whereas here originate returns as soon as the switch accepts
// the command — actual answer is observed asynchronously when the switch
// connects the media leg to the Switch Adapter and the Session Registry's
// Bind attaches it (spec.md §4.7).
package dialer

import (
	"context"
	"fmt"

	"github.com/lokutor-ai/callbridge/internal/calltypes"
	"github.com/lokutor-ai/callbridge/internal/logging"
)

// SwitchControl is the out-of-band command channel to the switch, kept
// deliberately small so the switch dialect stays pluggable (spec.md §4.4:
// "abstracted behind a two-method interface").
type SwitchControl interface {
	Originate(ctx context.Context, number, callID string, prompt calltypes.PromptSnapshot) error
	Hangup(ctx context.Context, callID string) error
}

// Dialer issues originations/hangups against a SwitchControl.
type Dialer struct {
	control SwitchControl
	log     logging.Logger
}

func New(control SwitchControl, log logging.Logger) *Dialer {
	if log == nil {
		log = logging.NoOpLogger{}
	}
	return &Dialer{control: control, log: log}
}

// Originate issues a switch-native origination command whose answer
// handler attaches the media stream to /ws/{call_id}. It returns once the
// command is accepted by the switch; the session itself transitions
// PENDING → GREETING only once the switch actually connects.
func (d *Dialer) Originate(ctx context.Context, number, callID string, prompt calltypes.PromptSnapshot) error {
	if err := d.control.Originate(ctx, number, callID, prompt); err != nil {
		return fmt.Errorf("dialer: originate %s to %s: %w", callID, number, err)
	}
	d.log.Info("dialer: origination accepted", "call_id", callID, "number", number)
	return nil
}

// Hangup asks the switch to tear down the named call's media leg.
func (d *Dialer) Hangup(ctx context.Context, callID string) error {
	if err := d.control.Hangup(ctx, callID); err != nil {
		return fmt.Errorf("dialer: hangup %s: %w", callID, err)
	}
	return nil
}
