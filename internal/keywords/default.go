package keywords

// DefaultTable is the built-in topic table used when no keywords_path is
// configured. Phrases cover English, Spanish, Portuguese, French and German.
func DefaultTable() *Table {
	return &Table{Topics: []TopicKeywords{
		{
			Name:        "Billing",
			Description: "Charges, invoices, refunds, subscriptions and payment methods",
			Keywords: []string{
				"refund", "invoice", "charged", "charge", "billing", "subscription", "payment",
				"credit card", "cancel my plan", "receipt",
				"reembolso", "factura", "cobro", "suscripción", "pago",
				"fatura", "cobrança", "assinatura", "pagamento",
				"remboursement", "facture", "abonnement", "paiement",
				"rückerstattung", "rechnung", "zahlung",
			},
			WholeWords: []string{"vat", "iva"},
		},
		{
			Name:        "Bug",
			Description: "Something in the product is broken or behaves unexpectedly",
			Keywords: []string{
				"not working", "doesn't work", "does not work", "broken", "error", "crash", "freezes",
				"won't load", "stuck loading", "blank page",
				"no funciona", "se cierra", "no carga",
				"não funciona", "travando",
				"ne fonctionne pas", "plantage",
				"funktioniert nicht", "absturz", "fehler",
			},
			WholeWords: []string{"bug", "bugs", "500"},
		},
		{
			Name:        "Account",
			Description: "Login, password, email change and account deletion",
			Keywords: []string{
				"log in", "login", "sign in", "password", "reset link", "two-factor", "delete my account",
				"change my email", "locked out",
				"contraseña", "iniciar sesión", "mi cuenta",
				"senha", "minha conta",
				"mot de passe", "mon compte", "connexion",
				"passwort", "anmelden", "mein konto",
			},
			WholeWords: []string{"2fa", "sso"},
		},
		{
			Name:        "Product Question",
			Description: "How-to questions about existing functionality",
			Keywords: []string{
				"how do i", "how can i", "how to", "is it possible", "where can i find", "tutorial",
				"cómo puedo", "cómo se", "es posible",
				"como faço", "é possível",
				"comment faire", "est-il possible",
				"wie kann ich", "ist es möglich",
			},
		},
		{
			Name:        "Feature Request",
			Description: "Suggestions for new functionality",
			Keywords: []string{
				"feature request", "would be great", "would be nice", "please add", "suggestion", "wish you",
				"me gustaría que", "sería genial", "sugerencia",
				"seria ótimo", "sugestão",
				"ce serait bien", "suggestion d'amélioration",
				"wäre toll", "vorschlag",
			},
		},
		{
			Name:        "Credits",
			Description: "AI credits, usage limits and quotas",
			Keywords: []string{
				"credits", "out of credits", "usage limit", "quota", "ran out",
				"créditos", "límite de uso",
				"crédits", "limite d'utilisation",
				"guthaben", "kontingent",
			},
		},
		{
			Name:        "Workspace",
			Description: "Team workspaces, members, seats and permissions",
			Keywords: []string{
				"workspace", "invite", "team member", "seats", "permissions", "admin rights",
				"espacio de trabajo", "invitar", "miembro del equipo",
				"espaço de trabalho", "convidar",
				"espace de travail", "inviter",
				"arbeitsbereich", "einladen", "teammitglied",
			},
		},
		{
			Name:        "Privacy",
			Description: "Data protection, GDPR and data export or deletion requests",
			Keywords: []string{
				"gdpr", "privacy", "personal data", "data deletion", "export my data",
				"privacidad", "datos personales", "rgpd",
				"privacidade", "dados pessoais", "lgpd",
				"confidentialité", "données personnelles",
				"datenschutz", "dsgvo", "personenbezogene daten",
			},
		},
		{
			Name:        "Promotions",
			Description: "Discounts, coupons, referral and education offers",
			Keywords: []string{
				"discount", "coupon", "promo code", "referral", "student offer", "education plan",
				"descuento", "cupón", "código promocional",
				"desconto", "cupom",
				"réduction", "code promo",
				"rabatt", "gutschein",
			},
		},
		{
			Name:        "Abuse",
			Description: "Spam, phishing, copyright and content reports",
			Keywords: []string{
				"phishing", "spam", "scam", "copyright", "impersonat", "report this content", "harassment",
				"estafa", "derechos de autor",
				"golpe", "direitos autorais",
				"arnaque", "droit d'auteur",
				"betrug", "urheberrecht",
			},
		},
	}}
}
