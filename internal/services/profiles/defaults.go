package profiles

import "github.com/ternarybob/papyrus/internal/models"

// DefaultModelID is the extraction model used when a session does not name one.
const DefaultModelID = "ticket-extraction-v3"

// builtinProfiles is the single source of truth for the profiles that ship
// with the server. A models.yaml entry with the same model_id replaces the
// built-in wholesale.
func builtinProfiles() []*models.ModelProfile {
	return []*models.ModelProfile{
		{
			ModelID:     DefaultModelID,
			DisplayName: "Delivery Ticket Extraction",
			Columns: []string{
				"CompanyName",
				"TicketNumber",
				"TicketDate",
				"JobNumber",
				"PONumber",
				"TruckNumber",
				"TrailerNumber",
				"DriverName",
				"Material",
				"Quantity",
				"Unit",
				"GrossWeight",
				"TareWeight",
				"NetWeight",
				"Location",
				"Hours",
			},
			DenyList: []string{
				"DriverLicenseNumber",
				"DriverPhone",
			},
			NamingTemplate: "{company}_{ticket}_{date}",
			CompanyFields: []string{
				"CompanyName",
				"Company",
				"VendorName",
				"SupplierName",
				"CustomerName",
			},
			TicketFields: []string{
				"TicketNumber",
				"TicketNo",
				"Ticket",
				"InvoiceNumber",
				"ReferenceNumber",
			},
			DateFields: []string{
				"TicketDate",
				"Date",
				"DeliveryDate",
				"InvoiceDate",
			},
		},
	}
}
