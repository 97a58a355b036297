package email

const deadlineSubject = `Transfer Deadline Uyarısı - {{.PatientName}}`

const deadlineText = `HAPPY TRANSFER - DEADLINE UYARISI

Transfer: {{.TransferTitle}}
Hasta: {{.PatientName}}
Lokasyon: {{.Location}}
Transfer Zamanı: {{.TransferDateTime}}

URGENT: Transfer deadline'ı yaklaşıyor! Lütfen acil işlem yapınız.
`

const deadlineHTML = `<div style="font-family: Arial, sans-serif; max-width: 600px; margin: 0 auto; padding: 20px;">
  <div style="background-color: #f8f9fa; padding: 20px; border-radius: 10px; border-left: 4px solid #dc3545;">
    <h2 style="color: #dc3545; margin-top: 0;">Happy Transfer - Deadline Uyarısı</h2>
    <div style="background-color: white; padding: 15px; border-radius: 5px; margin: 15px 0;">
      <h3 style="margin-top: 0; color: #333;">{{.TransferTitle}}</h3>
      <p><strong>Hasta:</strong> {{.PatientName}}</p>
      <p><strong>Lokasyon:</strong> {{.Location}}</p>
      <p><strong>Transfer Zamanı:</strong> {{.TransferDateTime}}</p>
    </div>
    <p style="margin: 0; color: #721c24;"><strong>URGENT:</strong> Transfer deadline'ı yaklaşıyor! Lütfen acil işlem yapınız.</p>
  </div>
</div>
`
