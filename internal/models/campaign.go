package models

// Recipient is one addressee of a campaign.
type Recipient struct {
	Email     string `json:"email" binding:"required,email"`
	FirstName string `json:"firstName"`
}

// CampaignPayload is the job body submitted by the web application.
type CampaignPayload struct {
	Recipients     []Recipient `json:"recipients" binding:"required,min=1,dive"`
	Subject        string      `json:"subject" binding:"required"`
	HTMLContent    string      `json:"htmlContent,omitempty"`
	TextContent    string      `json:"textContent,omitempty"`
	IP             string      `json:"ip"`
	WebsiteURL     string      `json:"websiteUrl"`
	UploadedImages []string    `json:"uploadedImages,omitempty" binding:"max=3"`
}

// Emails returns the recipient addresses in submission order.
func (p CampaignPayload) Emails() []string {
	out := make([]string, 0, len(p.Recipients))
	for _, r := range p.Recipients {
		out = append(out, r.Email)
	}
	return out
}

// JobResult is returned by a completed campaign job.
type JobResult struct {
	Success        bool `json:"success"`
	TotalProcessed int  `json:"totalProcessed"`
	SuccessCount   int  `json:"successCount"`
	FailureCount   int  `json:"failureCount"`
}
