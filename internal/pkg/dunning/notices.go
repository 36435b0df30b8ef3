package dunning

import (
	"fmt"
	"html"

	"github.com/ManuelReschke/SlotBilling/app/models"
	"github.com/ManuelReschke/SlotBilling/internal/pkg/notify"
)

// noticeFor builds the message for the case's current stage.
func (s *Scheduler) noticeFor(c *models.DunningCase) *notify.Notice {
	amount := formatAmount(c.AmountDue, c.Currency)
	n := &notify.Notice{To: c.ContactEmail, Reference: c.InvoiceID}

	switch c.Stage {
	case models.DunningStageReminder:
		n.Kind = notify.KindDunningReminder
		n.Subject = "Your payment did not go through"
		n.Body = fmt.Sprintf("<p>We could not collect %s for invoice %s. We will retry automatically; you can also update your payment method or retry now.</p>", amount, c.InvoiceID)
	case models.DunningStageUrgent:
		n.Kind = notify.KindDunningUrgent
		n.Subject = "Action needed: payment overdue"
		n.Body = fmt.Sprintf("<p>Invoice %s over %s is still unpaid. Please update your payment method to keep your booking.</p>", c.InvoiceID, amount)
	case models.DunningStageFinal:
		n.Kind = notify.KindDunningFinal
		n.Subject = "Final notice: your booking will be canceled"
		n.Body = fmt.Sprintf("<p>Invoice %s over %s remains unpaid. Your subscription will be canceled if it is not settled.</p>", c.InvoiceID, amount)
	case models.DunningStageResolved:
		n.Kind = notify.KindDunningResolved
		n.Subject = "Payment received"
		n.Body = fmt.Sprintf("<p>Thank you, invoice %s over %s is paid.</p>", c.InvoiceID, amount)
	default:
		return nil
	}
	if c.LastErrorMessage != "" && c.Stage != models.DunningStageResolved {
		n.Body += fmt.Sprintf("<p>Reason given by your bank: %s</p>", html.EscapeString(c.LastErrorMessage))
	}
	return n
}
