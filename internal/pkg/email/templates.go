package email

// BaseTemplate is the layout every outgoing email is wrapped in
const BaseTemplate = `
<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <style>
        body {
            margin: 0;
            padding: 0;
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, 'Helvetica Neue', Arial, sans-serif;
            background-color: #f4f5f7;
            color: #1f2933;
        }
        .container {
            max-width: 600px;
            margin: 0 auto;
            padding: 40px 20px;
        }
        .card {
            background: #ffffff;
            border-radius: 10px;
            padding: 32px;
            border: 1px solid #e4e7eb;
        }
        .logo {
            text-align: center;
            margin-bottom: 24px;
        }
        .logo h1 {
            font-size: 26px;
            color: #0b7a4b;
            margin: 0;
        }
        p, li {
            color: #3e4c59;
            font-size: 16px;
            line-height: 1.6;
        }
        a {
            color: #0b7a4b;
        }
        .footer {
            text-align: center;
            margin-top: 32px;
            color: #7b8794;
            font-size: 12px;
        }
    </style>
</head>
<body>
    <div class="container">
        <div class="card">
            <div class="logo">
                <h1>{{.SiteName}}</h1>
            </div>
            {{.Content}}
        </div>
        <div class="footer">
            <p>You received this email because you have an account on {{.SiteName}}.</p>
        </div>
    </div>
</body>
</html>
`
